package procman

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PortAvailable reports whether a TCP port can be bound on both the IPv4
// and IPv6 loopback. Dev servers bind either stack depending on platform,
// so a port held on only one stack still counts as taken.
func PortAvailable(port int) bool {
	for _, addr := range []string{"127.0.0.1", "::1"} {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
	}
	return true
}

// portListening reports whether something accepts connections on the port.
func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// findAvailablePort returns the first free port from the candidate list.
func findAvailablePort(candidates []int) (int, error) {
	for _, port := range candidates {
		if PortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port among %v", candidates)
}

// waitForPort blocks until the port accepts connections or the timeout
// elapses.
func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if portListening(port) {
			return nil
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("port %d did not open within %s", port, timeout)
}

// waitForPortFree blocks until nothing accepts connections on the port.
func waitForPortFree(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !portListening(port) {
			return nil
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("port %d is still in use after %s", port, timeout)
}

// pidsOnPort asks lsof which processes hold the port. Best effort: an empty
// list on platforms without lsof.
func pidsOnPort(ctx context.Context, port int) []int {
	out, err := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
