package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// minicondaBaseURL hosts the official installer images.
const minicondaBaseURL = "https://repo.anaconda.com/miniconda/"

// InstallConda downloads and installs an isolated Miniconda under the
// application directory. A system-wide conda is never reused for installs
// and never modified; isolation is the whole point.
func (b *Bootstrap) InstallConda(ctx context.Context, rep Reporter) (*StepResult, error) {
	prefix := filepath.Join(b.cfg.InstallDir, "miniconda3")
	if condaAt(prefix) != "" {
		return &StepResult{
			Status:  StatusAlreadyInstalled,
			Message: "The isolated Python distribution is already installed.",
			Path:    prefix,
		}, nil
	}

	installer, err := minicondaInstallerURL()
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(b.cfg.WorkDir, "downloads", filepath.Base(installer))
	rep.percent(0, "Downloading the Python distribution installer...")
	if err := downloadFile(ctx, installer, dest, 0, 50, rep); err != nil {
		return nil, err
	}

	rep.percent(50, "Running the installer...")
	if err := runInstaller(ctx, dest, prefix); err != nil {
		return nil, err
	}

	rep.percent(90, "Configuring the distribution...")
	conda := condaAt(prefix)
	if conda == "" {
		return nil, fmt.Errorf("installer finished but conda was not found under %s", prefix)
	}
	// Keep the isolated distribution quiet and pinned to conda-forge.
	configs := [][]string{
		{"config", "--set", "auto_activate_base", "false"},
		{"config", "--set", "always_yes", "true"},
		{"config", "--add", "channels", "conda-forge"},
	}
	for _, args := range configs {
		if _, err := runCommand(ctx, "", conda, args...); err != nil {
			return nil, fmt.Errorf("configure conda: %w", err)
		}
	}

	rep.percent(100, "Python distribution installed.")
	return &StepResult{
		Status:  StatusInstalled,
		Message: "Installed an isolated Python distribution.",
		Path:    prefix,
	}, nil
}

func condaAt(prefix string) string {
	candidates := []string{
		filepath.Join(prefix, "bin", "conda"),
		filepath.Join(prefix, "condabin", "conda"),
	}
	if runtime.GOOS == "windows" {
		candidates = []string{
			filepath.Join(prefix, "Scripts", "conda.exe"),
			filepath.Join(prefix, "condabin", "conda.bat"),
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func minicondaInstallerURL() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return minicondaBaseURL + "Miniconda3-latest-MacOSX-arm64.sh", nil
		}
		return minicondaBaseURL + "Miniconda3-latest-MacOSX-x86_64.sh", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return minicondaBaseURL + "Miniconda3-latest-Linux-aarch64.sh", nil
		}
		return minicondaBaseURL + "Miniconda3-latest-Linux-x86_64.sh", nil
	case "windows":
		return minicondaBaseURL + "Miniconda3-latest-Windows-x86_64.exe", nil
	default:
		return "", fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

func runInstaller(ctx context.Context, installer, prefix string) error {
	if runtime.GOOS == "windows" {
		_, err := runCommand(ctx, "", installer,
			"/InstallationType=JustMe", "/RegisterPython=0", "/S", "/D="+prefix)
		return err
	}
	// Batch mode into the given prefix; no shell profile changes.
	_, err := runCommand(ctx, "", "bash", installer, "-b", "-p", prefix)
	return err
}
