//go:build !windows

package procman

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// SpawnDetached starts a command in its own session with output redirected
// to a log file, so it survives the agent exiting. Returns the child pid.
func SpawnDetached(name string, args []string, dir, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it eventually exits so it never zombies.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// terminate asks the process group to exit, escalating to SIGKILL after a
// grace period. The negative pid targets the whole session started by
// SpawnDetached.
func terminate(pid int) error {
	target := -pid
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		// Fall back to the single process if the group is gone.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		target = pid
	}

	time.Sleep(500 * time.Millisecond)
	if processAlive(pid) {
		_ = syscall.Kill(target, syscall.SIGKILL)
	}
	return nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
