package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateCondaEnv creates the application's conda environment with the
// pinned interpreter toolchain. With forceRecreate, an existing environment
// is removed first.
func (b *Bootstrap) CreateCondaEnv(ctx context.Context, envName string, forceRecreate bool, rep Reporter) (*StepResult, error) {
	if envName == "" {
		envName = b.cfg.CondaEnvName
	}
	conda := b.sys.CondaPath()
	if conda == "" {
		return nil, fmt.Errorf("conda is not installed; install the Python distribution first")
	}

	exists, err := condaEnvExists(ctx, conda, envName)
	if err != nil {
		return nil, err
	}
	if exists {
		if !forceRecreate {
			return &StepResult{Status: StatusAlreadyExists, Message: fmt.Sprintf("Environment %s already exists.", envName)}, nil
		}
		rep.message("Removing the existing environment...")
		if _, err := runCommand(ctx, "", conda, "env", "remove", "-n", envName, "-y"); err != nil {
			return nil, err
		}
	}

	rep.message("Creating the environment. This can take a few minutes...")
	_, err = runCommand(ctx, "", conda, "create", "-n", envName,
		"--override-channels", "-c", "conda-forge",
		"python=3.11", "nodejs", "git", "-y")
	if err != nil {
		return nil, err
	}

	rep.message("Environment created.")
	return &StepResult{Status: StatusCreated, Message: fmt.Sprintf("Created environment %s.", envName)}, nil
}

// UpdateCondaEnv applies the repository's environment file to an existing
// environment.
func (b *Bootstrap) UpdateCondaEnv(ctx context.Context, envName, repoPath, environmentFile string, rep Reporter) (*StepResult, error) {
	conda := b.sys.CondaPath()
	if conda == "" {
		return nil, fmt.Errorf("conda is not installed; install the Python distribution first")
	}

	repo, err := b.resolveRepoPath(repoPath)
	if err != nil {
		return nil, err
	}
	if environmentFile == "" {
		environmentFile = "environment.yml"
	}
	envFile := filepath.Join(repo, environmentFile)
	if _, err := os.Stat(envFile); err != nil {
		return nil, fmt.Errorf("environment file %s not found: %w", envFile, err)
	}

	rep.message("Updating the environment from the repository definition...")
	if _, err := runCommand(ctx, "", conda, "env", "update", "-n", envName, "-f", envFile, "--prune"); err != nil {
		return nil, err
	}

	rep.message("Environment updated.")
	return &StepResult{Status: StatusUpdated, Message: fmt.Sprintf("Updated environment %s.", envName)}, nil
}

// condaEnvExists asks conda for its environment list.
func condaEnvExists(ctx context.Context, conda, envName string) (bool, error) {
	out, err := runCommand(ctx, "", conda, "env", "list")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == envName {
			return true, nil
		}
	}
	return false, nil
}

// resolveRepoPath turns an optional relative repo path into an absolute one
// confined to the home directory; empty means the configured install dir.
func (b *Bootstrap) resolveRepoPath(repoPath string) (string, error) {
	if repoPath == "" {
		return b.cfg.InstallDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	resolved := filepath.Join(home, repoPath)
	if !underDir(resolved, home) {
		return "", fmt.Errorf("repository path escapes the home directory")
	}
	return resolved, nil
}
