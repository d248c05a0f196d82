package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// DepsResult reports both halves of the dependency install.
type DepsResult struct {
	Backend  DepsPart `json:"backend"`
	Frontend DepsPart `json:"frontend"`
}

// DepsPart is one half's outcome.
type DepsPart struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// InstallAllDeps installs backend (pip) and frontend (npm) dependencies
// concurrently. A failing half never cancels the other; the combined result
// reports both so a partial success is actionable.
func (b *Bootstrap) InstallAllDeps(ctx context.Context, envName, repoPath string, rep Reporter) (*DepsResult, error) {
	if envName == "" {
		envName = b.cfg.CondaEnvName
	}
	conda := b.sys.CondaPath()
	if conda == "" {
		return nil, fmt.Errorf("conda is not installed; install the Python distribution first")
	}
	repo, err := b.resolveRepoPath(repoPath)
	if err != nil {
		return nil, err
	}

	rep.message("Installing backend and frontend dependencies in parallel...")

	result := &DepsResult{}
	var g errgroup.Group

	g.Go(func() error {
		result.Backend = b.installBackendDeps(ctx, conda, envName, repo)
		return nil
	})
	g.Go(func() error {
		result.Frontend = b.installFrontendDeps(ctx, conda, envName, repo)
		return nil
	})
	_ = g.Wait()

	if !result.Backend.Success || !result.Frontend.Success {
		return result, fmt.Errorf("dependency install incomplete: backend: %s; frontend: %s",
			result.Backend.Message, result.Frontend.Message)
	}

	rep.message("All dependencies installed.")
	return result, nil
}

func (b *Bootstrap) installBackendDeps(ctx context.Context, conda, envName, repo string) DepsPart {
	requirements := filepath.Join(repo, "backend", "requirements.txt")
	if _, err := os.Stat(requirements); err != nil {
		return DepsPart{Message: fmt.Sprintf("requirements file not found: %v", err)}
	}
	if _, err := runCommand(ctx, filepath.Join(repo, "backend"), conda,
		"run", "-n", envName, "pip", "install", "-r", requirements); err != nil {
		return DepsPart{Message: err.Error()}
	}
	return DepsPart{Success: true, Message: "backend dependencies installed"}
}

func (b *Bootstrap) installFrontendDeps(ctx context.Context, conda, envName, repo string) DepsPart {
	frontend := filepath.Join(repo, "frontend")
	if _, err := os.Stat(filepath.Join(frontend, "package.json")); err != nil {
		return DepsPart{Message: fmt.Sprintf("package.json not found: %v", err)}
	}
	if _, err := runCommand(ctx, frontend, conda,
		"run", "-n", envName, "npm", "install"); err != nil {
		return DepsPart{Message: err.Error()}
	}
	return DepsPart{Success: true, Message: "frontend dependencies installed"}
}
