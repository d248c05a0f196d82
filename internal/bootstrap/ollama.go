package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mindloom-ai/launcher/internal/procman"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

// ollamaStartTimeout bounds the wait for the runtime's API port after a
// start attempt.
const ollamaStartTimeout = 30 * time.Second

// Pull output like "pulling 8934d96d3f08...  42% 1.2 GB/2.8 GB" is parsed
// for the progress side channel.
var (
	pullPercentRe = regexp.MustCompile(`(\d+)%`)
	pullBytesRe   = regexp.MustCompile(`([\d.]+)\s*(KB|MB|GB)/([\d.]+)\s*(KB|MB|GB)`)
)

// OllamaResult reports the outcome of the runtime ensure/start operations.
type OllamaResult struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Ollama statuses.
const (
	OllamaAlreadyRunning = "already_running"
	OllamaStarted        = "started"
)

// EnsureOllama checks the local model runtime and starts it when it is
// installed but stopped. The agent never installs the runtime itself; when
// it is absent the result carries manual guidance for the user.
func (b *Bootstrap) EnsureOllama(ctx context.Context, rep Reporter) (*OllamaResult, error) {
	if _, err := exec.LookPath("ollama"); err != nil && !ollamaAppPresent() {
		return &OllamaResult{
			Status:      StatusManualRequired,
			Message:     "The local model runtime is not installed.",
			DownloadURL: ollamaDownloadURL(),
			Instructions: "Download and install Ollama from the link, then come back here and " +
				"ask me to continue. No account is needed.",
		}, nil
	}

	if sysinfo.OllamaRunning() {
		return &OllamaResult{Status: OllamaAlreadyRunning, Message: "The local model runtime is already running."}, nil
	}

	return b.StartOllama(ctx, rep)
}

// StartOllama starts the runtime service. It prefers the platform service
// manager and falls back to a detached process, then waits for the API
// port to accept connections.
func (b *Bootstrap) StartOllama(ctx context.Context, rep Reporter) (*OllamaResult, error) {
	if sysinfo.OllamaRunning() {
		return &OllamaResult{Status: OllamaAlreadyRunning, Message: "The local model runtime is already running."}, nil
	}

	rep.message("Starting the local model runtime...")
	started := false
	switch runtime.GOOS {
	case "darwin":
		// The desktop app starts the server and the menu bar item.
		if _, err := runCommand(ctx, "", "open", "-a", "Ollama"); err == nil {
			started = true
		}
	case "linux":
		if _, err := runCommand(ctx, "", "systemctl", "--user", "start", "ollama"); err == nil {
			started = true
		}
	}

	if !started {
		logPath := filepath.Join(b.cfg.WorkDir, "logs", "ollama.log")
		if _, err := procman.SpawnDetached("ollama", []string{"serve"}, "", logPath); err != nil {
			return nil, fmt.Errorf("start runtime: %w", err)
		}
	}

	if err := waitForOllama(ctx, ollamaStartTimeout); err != nil {
		return nil, err
	}

	rep.message("Local model runtime started.")
	return &OllamaResult{Status: OllamaStarted, Message: "Started the local model runtime."}, nil
}

// PullResult reports a model pull.
type PullResult struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Message string `json:"message,omitempty"`
}

// PullModel downloads a model into the runtime, streaming progress parsed
// from the pull command's output.
func (b *Bootstrap) PullModel(ctx context.Context, model, registry string, force bool, rep Reporter) (*PullResult, error) {
	if !sysinfo.OllamaRunning() {
		return nil, fmt.Errorf("the local model runtime is not running; start it first")
	}

	ref := model
	if registry != "" {
		ref = registry + "/" + model
	}

	if !force {
		if present, err := modelPresent(ctx, ref); err == nil && present {
			return &PullResult{Status: StatusAlreadyExists, Model: ref, Message: "The model is already available."}, nil
		}
	}

	rep.message(fmt.Sprintf("Pulling model %s...", ref))
	cmd := exec.CommandContext(ctx, "ollama", "pull", ref)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach to pull output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pull: %w", err)
	}

	// The pull command rewrites its progress line with carriage returns.
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanCRLines)
	lastPercent := -1
	for scanner.Scan() {
		line := scanner.Text()
		pct, downloaded, total, ok := parsePullProgress(line)
		if !ok || pct == lastPercent {
			continue
		}
		lastPercent = pct
		rep.report(Update{
			Percent:         &pct,
			Message:         fmt.Sprintf("Downloading %s...", ref),
			BytesDownloaded: downloaded,
			BytesTotal:      total,
		})
	}

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}

	rep.percent(100, "Model downloaded.")
	return &PullResult{Status: "pulled", Model: ref, Message: "Model downloaded and ready."}, nil
}

func modelPresent(ctx context.Context, ref string) (bool, error) {
	out, err := runCommand(ctx, "", "ollama", "list")
	if err != nil {
		return false, err
	}
	name := ref
	if !strings.Contains(name, ":") {
		name += ":latest"
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, nil
}

// parsePullProgress extracts the percent and byte counters from one line of
// pull output.
func parsePullProgress(line string) (int, *uint64, *uint64, bool) {
	m := pullPercentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, nil, nil, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct < 0 || pct > 100 {
		return 0, nil, nil, false
	}

	var downloaded, total *uint64
	if bm := pullBytesRe.FindStringSubmatch(line); bm != nil {
		if v, ok := parseSize(bm[1], bm[2]); ok {
			downloaded = &v
		}
		if v, ok := parseSize(bm[3], bm[4]); ok {
			total = &v
		}
	}
	return pct, downloaded, total, true
}

func parseSize(value, unit string) (uint64, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	switch unit {
	case "KB":
		f *= 1 << 10
	case "MB":
		f *= 1 << 20
	case "GB":
		f *= 1 << 30
	default:
		return 0, false
	}
	return uint64(f), true
}

// scanCRLines splits on both newlines and carriage returns so in-place
// progress updates come through as separate lines.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func waitForOllama(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sysinfo.OllamaRunning() {
			return nil
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("the local model runtime did not come up within %s", timeout)
}

func ollamaAppPresent() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat("/Applications/Ollama.app")
	return err == nil
}

func ollamaDownloadURL() string {
	switch runtime.GOOS {
	case "darwin":
		return "https://ollama.com/download/mac"
	case "windows":
		return "https://ollama.com/download/windows"
	default:
		return "https://ollama.com/download/linux"
	}
}
