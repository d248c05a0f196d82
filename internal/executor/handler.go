// Package executor is the agent's dispatch layer: it receives operation
// request frames from the server, re-validates them against the operation
// catalog, runs the implementation, and produces the terminal result frame.
// The agent never trusts the server's validation; both ends run the same
// checks.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindloom-ai/launcher/internal/bootstrap"
	"github.com/mindloom-ai/launcher/internal/catalog"
	"github.com/mindloom-ai/launcher/internal/procman"
	"github.com/mindloom-ai/launcher/internal/protocol"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

// Handler executes operation requests.
type Handler struct {
	cat   *catalog.Catalog
	boot  *bootstrap.Bootstrap
	procs *procman.Manager
	sys   *sysinfo.Collector
}

// NewHandler wires the handler.
func NewHandler(cat *catalog.Catalog, boot *bootstrap.Bootstrap, procs *procman.Manager, sys *sysinfo.Collector) *Handler {
	return &Handler{cat: cat, boot: boot, procs: procs, sys: sys}
}

// Handle runs one operation request to its terminal result. It never
// returns an error; failures become failed results so the server side
// always gets a frame to settle on.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope, id string, rep bootstrap.Reporter) protocol.ToolResult {
	op, err := h.cat.Lookup(env.Type)
	if err != nil {
		return failure(id, err)
	}
	if op.Validate != nil {
		if err := op.Validate(env.Raw); err != nil {
			return failure(id, err)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()

	started := time.Now()
	slog.Info("Operation started", "operation", op.Name, "id", id)

	data, err := h.run(opCtx, op.Name, env, rep)
	if err != nil {
		slog.Error("Operation failed", "operation", op.Name, "id", id, "error", err, "duration", time.Since(started))
		return failure(id, err)
	}

	slog.Info("Operation finished", "operation", op.Name, "id", id, "duration", time.Since(started))
	return protocol.ToolResult{Type: protocol.TypeToolResult, ID: id, Success: true, Data: data}
}

//nolint:gocognit // One arm per catalog operation; splitting it would obscure the mapping.
func (h *Handler) run(ctx context.Context, name string, env protocol.Envelope, rep bootstrap.Reporter) (json.RawMessage, error) {
	switch name {
	case catalog.OpDetectSystem:
		return marshal(h.sys.Collect(ctx))

	case catalog.OpCheckPort:
		var in catalog.CheckPortInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		return marshal(map[string]any{
			"port":      in.Port,
			"available": procman.PortAvailable(in.Port),
		})

	case catalog.OpInstallConda:
		res, err := h.boot.InstallConda(ctx, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpInstallGit:
		res, err := h.boot.InstallGit(ctx, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpCloneRepo:
		var in catalog.CloneRepoInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.CloneRepo(ctx, in.RepoURL, in.TargetPath, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpCreateCondaEnv:
		var in catalog.CondaEnvInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.CreateCondaEnv(ctx, in.EnvName, in.ForceRecreate, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpInstallCondaEnv:
		var in catalog.CondaEnvInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.UpdateCondaEnv(ctx, in.EnvName, in.RepoPath, in.EnvironmentFile, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpInstallAllDeps:
		var in catalog.DepsInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.InstallAllDeps(ctx, in.EnvName, in.RepoPath, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpSetupEnvFile:
		var in catalog.EnvFileInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.SetupEnvFile(in.RepoPath)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpInstallOllama:
		res, err := h.boot.EnsureOllama(ctx, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpStartOllama:
		res, err := h.boot.StartOllama(ctx, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpPullOllamaModel:
		var in catalog.PullModelInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.boot.PullModel(ctx, in.Model, in.Registry, in.Force, rep)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpStartMindloom:
		var in catalog.ServiceInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.procs.Start(ctx, in.FrontendPort, in.BackendPort)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpStopMindloom:
		res, err := h.procs.Stop(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpRestartMindloom:
		var in catalog.ServiceInput
		if err := env.Payload(&in); err != nil {
			return nil, err
		}
		res, err := h.procs.Restart(ctx, in.FrontendPort, in.BackendPort)
		if err != nil {
			return nil, err
		}
		return marshal(res)

	case catalog.OpMindloomStatus:
		return marshal(h.procs.Status())

	default:
		return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownOperation, name)
	}
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func failure(id string, err error) protocol.ToolResult {
	return protocol.ToolResult{
		Type:    protocol.TypeToolResult,
		ID:      id,
		Success: false,
		Error:   err.Error(),
	}
}
