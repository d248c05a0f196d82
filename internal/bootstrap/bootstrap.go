// Package bootstrap implements the installation operations the agent can
// execute: the isolated Python distribution, the repository checkout, the
// conda environment, the application dependencies, and the optional local
// model runtime. Every long operation reports progress through a Reporter
// and every external command runs with a fixed, audited argument list.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

// Update is one progress report. Percent and the byte counters are optional
// because not every phase can quantify itself.
type Update struct {
	Percent         *int
	Message         string
	BytesDownloaded *uint64
	BytesTotal      *uint64
}

// Reporter receives progress updates during long operations. A nil Reporter
// is valid and discards everything.
type Reporter func(Update)

func (r Reporter) report(u Update) {
	if r != nil {
		r(u)
	}
}

func (r Reporter) percent(pct int, message string) {
	r.report(Update{Percent: &pct, Message: message})
}

func (r Reporter) message(message string) {
	r.report(Update{Message: message})
}

// Bootstrap executes installation steps for one install layout.
type Bootstrap struct {
	cfg *config.AgentConfig
	sys *sysinfo.Collector
}

// New creates a Bootstrap for the agent's configured layout.
func New(cfg *config.AgentConfig, sys *sysinfo.Collector) *Bootstrap {
	return &Bootstrap{cfg: cfg, sys: sys}
}

// StepResult is the common result shape for install steps that only need
// to say what happened.
type StepResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Statuses shared across step results.
const (
	StatusInstalled        = "installed"
	StatusAlreadyInstalled = "already_installed"
	StatusAlreadyExists    = "already_exists"
	StatusCreated          = "created"
	StatusUpdated          = "updated"
	StatusCloned           = "cloned"
	StatusManualRequired   = "manual_install_required"
)

// runCommand executes one external command and returns its combined output.
// The argument list is always constructed from validated inputs; nothing
// ever passes through a shell.
func runCommand(ctx context.Context, dir string, name string, args ...string) (string, error) {
	slog.Debug("Running command", "command", name, "args", args, "dir", dir)

	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, tail(out.String(), 2000))
	}
	return out.String(), nil
}

// tail returns the last n bytes of s; command output can be huge and only
// the end matters for diagnostics.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// underDir reports whether path is dir itself or inside it. A plain prefix
// comparison would also accept siblings like dir2, so the check goes
// through the relative path.
func underDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
