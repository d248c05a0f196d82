package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// defaultRepoURL is the application source repository.
const defaultRepoURL = "https://github.com/mindloom-ai/mindloom.git"

// installArtifacts are the entries allowed to exist in the target directory
// before cloning: the isolated Python distribution lives inside the checkout
// directory and is installed first.
var installArtifacts = map[string]bool{
	"miniconda3": true,
	".DS_Store":  true,
}

// CloneRepo clones the application repository into the install directory.
// A directory that already holds a checkout short-circuits; a directory
// that holds only installer artifacts is adopted by fetching into it, since
// git refuses to clone into a non-empty directory.
func (b *Bootstrap) CloneRepo(ctx context.Context, repoURL, targetPath string, rep Reporter) (*StepResult, error) {
	if repoURL == "" {
		repoURL = defaultRepoURL
	}

	target := b.cfg.InstallDir
	if targetPath != "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home directory: %w", err)
		}
		target = filepath.Join(home, targetPath)
		if !underDir(target, home) {
			return nil, fmt.Errorf("target path escapes the home directory")
		}
	}

	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		return &StepResult{Status: StatusAlreadyExists, Message: "The application is already checked out.", Path: target}, nil
	}

	entries, err := os.ReadDir(target)
	switch {
	case os.IsNotExist(err):
		rep.message("Cloning the application repository...")
		if _, err := runCommand(ctx, "", "git", "clone", "--depth", "1", repoURL, target); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("inspect target directory: %w", err)
	default:
		for _, e := range entries {
			if !installArtifacts[e.Name()] {
				return nil, fmt.Errorf("target directory %s contains unexpected files; refusing to clone over them", target)
			}
		}
		// Fetch into the existing directory instead of cloning.
		rep.message("Fetching the application repository...")
		steps := [][]string{
			{"init"},
			{"remote", "add", "origin", repoURL},
			{"fetch", "--depth", "1", "origin", "main"},
			{"checkout", "-b", "main", "FETCH_HEAD"},
		}
		for _, args := range steps {
			if _, err := runCommand(ctx, target, "git", args...); err != nil {
				return nil, err
			}
		}
	}

	rep.message("Repository ready.")
	return &StepResult{Status: StatusCloned, Message: "Checked out the application repository.", Path: target}, nil
}
