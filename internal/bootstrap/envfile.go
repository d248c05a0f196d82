package bootstrap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SetupEnvFile creates backend/.env from the repository's .env-dev template.
// An existing .env is left alone so user edits survive reruns.
func (b *Bootstrap) SetupEnvFile(repoPath string) (*StepResult, error) {
	repo, err := b.resolveRepoPath(repoPath)
	if err != nil {
		return nil, err
	}

	backend := filepath.Join(repo, "backend")
	template := filepath.Join(backend, ".env-dev")
	target := filepath.Join(backend, ".env")

	if _, err := os.Stat(target); err == nil {
		return &StepResult{Status: StatusAlreadyExists, Message: "The configuration file already exists.", Path: target}, nil
	}

	src, err := os.Open(template)
	if err != nil {
		return nil, fmt.Errorf("open template %s: %w", template, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(target)
		return nil, fmt.Errorf("copy template: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", target, err)
	}

	return &StepResult{Status: StatusCreated, Message: "Created the backend configuration file.", Path: target}, nil
}
