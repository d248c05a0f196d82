// Package procman starts, stops, and inspects the application's backend and
// frontend services as detached local processes. Services are spawned
// through generated shell scripts in their own session, with output going to
// per-service log files, so an agent crash does not take them down. A
// normal agent shutdown stops the services it started via StopOwned.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

// Service names.
const (
	ServiceBackend  = "backend"
	ServiceFrontend = "frontend"
)

// Port fallbacks tried in order when the preferred port is taken.
var (
	backendPortFallbacks  = []int{8005, 8006, 8007}
	frontendPortFallbacks = []int{5173, 5174, 5175}
)

// Startup wait budgets. The frontend dev server compiles on boot and needs
// the larger one.
const (
	backendStartTimeout  = 60 * time.Second
	frontendStartTimeout = 90 * time.Second
	stopTimeout          = 10 * time.Second
)

// ProcessRecord tracks one service the manager started.
type ProcessRecord struct {
	Name      string
	PID       int
	Port      int
	LogPath   string
	StartedAt time.Time
}

// ServiceInfo is the externally visible state of one service.
type ServiceInfo struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port,omitempty"`
	URL     string `json:"url,omitempty"`
	LogPath string `json:"log_path,omitempty"`
}

// AppStatus is the combined service state.
type AppStatus struct {
	Status   string      `json:"status"`
	Backend  ServiceInfo `json:"backend"`
	Frontend ServiceInfo `json:"frontend"`
	Message  string      `json:"message,omitempty"`
}

// App statuses.
const (
	StatusRunning        = "running"
	StatusStopped        = "stopped"
	StatusPartial        = "partial"
	StatusAlreadyRunning = "already_running"
)

// Manager owns the service processes for one install layout.
type Manager struct {
	cfg *config.AgentConfig
	sys *sysinfo.Collector

	mu    sync.Mutex
	procs map[string]*ProcessRecord
}

// NewManager creates a manager for the agent's configured layout.
func NewManager(cfg *config.AgentConfig, sys *sysinfo.Collector) *Manager {
	return &Manager{
		cfg:   cfg,
		sys:   sys,
		procs: make(map[string]*ProcessRecord),
	}
}

// Start brings both services up. Starting an already running application is
// a no-op success that echoes the current state, so repeated start requests
// stay harmless. If only one service comes up the partial state is reported
// rather than rolled back; the decision-maker decides what to do next.
func (m *Manager) Start(ctx context.Context, frontendPort, backendPort int) (*AppStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.statusLocked()
	if status.Backend.Running && status.Frontend.Running {
		status.Status = StatusAlreadyRunning
		status.Message = "The application is already running."
		return status, nil
	}

	conda := m.sys.CondaPath()
	if conda == "" {
		return nil, fmt.Errorf("conda is not installed; the application cannot start")
	}
	if _, err := os.Stat(m.cfg.InstallDir); err != nil {
		return nil, fmt.Errorf("application directory %s not found: %w", m.cfg.InstallDir, err)
	}

	_, backendErr := m.startService(ctx, ServiceBackend, conda,
		portCandidates(backendPort, m.cfg.BackendPort, backendPortFallbacks), backendStartTimeout)
	frontend, frontendErr := m.startService(ctx, ServiceFrontend, conda,
		portCandidates(frontendPort, m.cfg.FrontendPort, frontendPortFallbacks), frontendStartTimeout)

	out := m.statusLocked()
	switch {
	case backendErr == nil && frontendErr == nil:
		out.Status = StatusRunning
		out.Message = fmt.Sprintf("Application started. Open http://localhost:%d in your browser.", frontend.Port)
		return out, nil
	case backendErr != nil && frontendErr != nil:
		return nil, fmt.Errorf("backend: %v; frontend: %v", backendErr, frontendErr)
	default:
		out.Status = StatusPartial
		err := backendErr
		if err == nil {
			err = frontendErr
		}
		out.Message = fmt.Sprintf("Only part of the application started: %v", err)
		return out, nil
	}
}

// startService negotiates a port, writes the launch script, spawns it
// detached, and waits for the port to open.
func (m *Manager) startService(ctx context.Context, name, conda string, candidates []int, timeout time.Duration) (*ProcessRecord, error) {
	if rec, ok := m.procs[name]; ok && portListening(rec.Port) {
		return rec, nil
	}

	port, err := findAvailablePort(candidates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	script, err := m.writeLaunchScript(name, conda, port)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(m.cfg.WorkDir, "logs", name+".log")
	shell, args := scriptCommand(script)
	pid, err := SpawnDetached(shell, args, m.cfg.InstallDir, logPath)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	slog.Info("Service spawned", "service", name, "pid", pid, "port", port)

	if err := waitForPort(ctx, port, timeout); err != nil {
		return nil, fmt.Errorf("%s: %w (check %s)", name, err, logPath)
	}

	rec := &ProcessRecord{Name: name, PID: pid, Port: port, LogPath: logPath, StartedAt: time.Now()}
	m.procs[name] = rec
	return rec, nil
}

// Stop takes both services down: recorded pids first, then anything still
// holding the known ports. Stopping a stopped application succeeds.
func (m *Manager) Stop(ctx context.Context) (*AppStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stoppedAny := false
	ports := make(map[int]bool)

	for name, rec := range m.procs {
		slog.Info("Stopping service", "service", name, "pid", rec.PID)
		if err := terminate(rec.PID); err != nil {
			slog.Warn("Failed to terminate service", "service", name, "pid", rec.PID, "error", err)
		}
		ports[rec.Port] = true
		delete(m.procs, name)
		stoppedAny = true
	}

	// Catch services started by an earlier agent run that we have no
	// records for.
	for _, port := range append([]int{m.cfg.BackendPort, m.cfg.FrontendPort}, append(backendPortFallbacks, frontendPortFallbacks...)...) {
		if ports[port] || !portListening(port) {
			continue
		}
		for _, pid := range pidsOnPort(ctx, port) {
			slog.Info("Stopping process on service port", "port", port, "pid", pid)
			if err := terminate(pid); err != nil {
				slog.Warn("Failed to terminate process", "pid", pid, "error", err)
			}
			stoppedAny = true
		}
		ports[port] = true
	}

	for port := range ports {
		if err := waitForPortFree(ctx, port, stopTimeout); err != nil {
			return nil, err
		}
	}

	status := m.statusLocked()
	status.Status = StatusStopped
	if stoppedAny {
		status.Message = "Application stopped."
	} else {
		status.Message = "The application was not running."
	}
	return status, nil
}

// StopOwned terminates only the services this manager started, leaving
// processes from earlier runs untouched. The agent calls it on a normal
// shutdown so exiting does not orphan its own services. Reports whether
// anything was stopped.
func (m *Manager) StopOwned(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := false
	for name, rec := range m.procs {
		slog.Info("Stopping service on shutdown", "service", name, "pid", rec.PID)
		if err := terminate(rec.PID); err != nil {
			slog.Warn("Failed to terminate service", "service", name, "pid", rec.PID, "error", err)
		}
		delete(m.procs, name)
		stopped = true
		if err := waitForPortFree(ctx, rec.Port, stopTimeout); err != nil {
			slog.Warn("Service port still busy after stop", "port", rec.Port, "error", err)
		}
	}
	return stopped
}

// Restart stops and starts the services. The pause lets dev servers release
// their sockets before the ports are probed again.
func (m *Manager) Restart(ctx context.Context, frontendPort, backendPort int) (*AppStatus, error) {
	if _, err := m.Stop(ctx); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Start(ctx, frontendPort, backendPort)
}

// Status reports the current service state.
func (m *Manager) Status() *AppStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.statusLocked()
	switch {
	case status.Backend.Running && status.Frontend.Running:
		status.Status = StatusRunning
	case status.Backend.Running || status.Frontend.Running:
		status.Status = StatusPartial
	default:
		status.Status = StatusStopped
	}
	return status
}

// statusLocked builds the per-service state from records and live ports.
// Records whose process died are pruned on the way.
func (m *Manager) statusLocked() *AppStatus {
	status := &AppStatus{}

	status.Backend = m.serviceInfoLocked(ServiceBackend, m.cfg.BackendPort)
	status.Frontend = m.serviceInfoLocked(ServiceFrontend, m.cfg.FrontendPort)
	if status.Frontend.Running {
		status.Frontend.URL = fmt.Sprintf("http://localhost:%d", status.Frontend.Port)
	}
	if status.Backend.Running {
		status.Backend.URL = fmt.Sprintf("http://localhost:%d", status.Backend.Port)
	}
	return status
}

func (m *Manager) serviceInfoLocked(name string, defaultPort int) ServiceInfo {
	if rec, ok := m.procs[name]; ok {
		if portListening(rec.Port) {
			return ServiceInfo{Running: true, PID: rec.PID, Port: rec.Port, LogPath: rec.LogPath}
		}
		delete(m.procs, name)
	}
	// No record, but something may hold the default port from an earlier run.
	if portListening(defaultPort) {
		return ServiceInfo{Running: true, Port: defaultPort}
	}
	return ServiceInfo{}
}

// writeLaunchScript renders the per-service launch script under the work
// dir. Scripts run inside the conda environment so the right interpreter
// toolchain is always used.
func (m *Manager) writeLaunchScript(name, conda string, port int) (string, error) {
	scriptsDir := filepath.Join(m.cfg.WorkDir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return "", fmt.Errorf("create scripts directory: %w", err)
	}

	var content, ext string
	switch name {
	case ServiceBackend:
		if runtime.GOOS == "windows" {
			ext = ".bat"
			content = fmt.Sprintf("@echo off\r\ncd /d \"%s\\backend\"\r\n\"%s\" run --no-capture-output -n %s python -m uvicorn main:app --host 127.0.0.1 --port %d\r\n",
				m.cfg.InstallDir, conda, m.cfg.CondaEnvName, port)
		} else {
			ext = ".sh"
			content = fmt.Sprintf("#!/bin/sh\ncd \"%s/backend\"\nexec \"%s\" run --no-capture-output -n %s python -m uvicorn main:app --host 127.0.0.1 --port %d\n",
				m.cfg.InstallDir, conda, m.cfg.CondaEnvName, port)
		}
	case ServiceFrontend:
		if runtime.GOOS == "windows" {
			ext = ".bat"
			content = fmt.Sprintf("@echo off\r\ncd /d \"%s\\frontend\"\r\n\"%s\" run --no-capture-output -n %s npm run dev -- --port %d\r\n",
				m.cfg.InstallDir, conda, m.cfg.CondaEnvName, port)
		} else {
			ext = ".sh"
			content = fmt.Sprintf("#!/bin/sh\ncd \"%s/frontend\"\nexec \"%s\" run --no-capture-output -n %s npm run dev -- --port %d\n",
				m.cfg.InstallDir, conda, m.cfg.CondaEnvName, port)
		}
	default:
		return "", fmt.Errorf("unknown service %s", name)
	}

	script := filepath.Join(scriptsDir, "start-"+name+ext)
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		return "", fmt.Errorf("write launch script: %w", err)
	}
	return script, nil
}

func scriptCommand(script string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", script}
	}
	return "/bin/sh", []string{script}
}

// portCandidates orders the ports to try: an explicit request first, then
// the configured preference, then the fallbacks.
func portCandidates(requested, preferred int, fallbacks []int) []int {
	var out []int
	seen := make(map[int]bool)
	add := func(p int) {
		if p > 0 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(requested)
	add(preferred)
	for _, p := range fallbacks {
		add(p)
	}
	return out
}
