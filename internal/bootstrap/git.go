package bootstrap

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// xcodePollInterval and xcodePollLimit bound the wait for the macOS command
// line tools dialog the user has to click through.
const (
	xcodePollInterval = 5 * time.Second
	xcodePollLimit    = 10 * time.Minute
)

// InstallGit ensures git is available. On macOS it triggers the command
// line tools installer and waits; on Linux, package installation needs
// sudo, which the agent never has, so it returns manual instructions.
func (b *Bootstrap) InstallGit(ctx context.Context, rep Reporter) (*StepResult, error) {
	if path, err := exec.LookPath("git"); err == nil {
		return &StepResult{Status: StatusAlreadyInstalled, Message: "Git is already installed.", Path: path}, nil
	}

	switch runtime.GOOS {
	case "darwin":
		return b.installGitDarwin(ctx, rep)
	case "linux":
		return &StepResult{
			Status: StatusManualRequired,
			Message: "Git needs to be installed with your package manager, which requires administrator rights. " +
				"Run one of: 'sudo apt-get install git' (Debian/Ubuntu), 'sudo dnf install git' (Fedora), " +
				"or 'sudo pacman -S git' (Arch), then try again.",
		}, nil
	case "windows":
		return &StepResult{
			Status:  StatusManualRequired,
			Message: "Please install Git for Windows from https://git-scm.com/download/win, then try again.",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// installGitDarwin kicks off the command line tools install and polls until
// git appears. The user has to confirm the system dialog; progress messages
// keep them oriented while we wait.
func (b *Bootstrap) installGitDarwin(ctx context.Context, rep Reporter) (*StepResult, error) {
	rep.message("Requesting the macOS command line tools. Please confirm the dialog that appears...")
	// Exits non-zero when the tools are already requested; polling below
	// covers that case.
	_, _ = runCommand(ctx, "", "xcode-select", "--install")

	deadline := time.Now().Add(xcodePollLimit)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(xcodePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if path, err := exec.LookPath("git"); err == nil {
			rep.message("Command line tools installed.")
			return &StepResult{Status: StatusInstalled, Message: "Git installed via the macOS command line tools.", Path: path}, nil
		}
		rep.message("Waiting for the command line tools install to finish...")
	}

	return nil, fmt.Errorf("timed out waiting for the command line tools install")
}
