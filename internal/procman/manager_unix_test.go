//go:build !windows

package procman

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindloom-ai/launcher/internal/config"
)

func TestStopOwnedTerminatesRecordedService(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(&config.AgentConfig{WorkDir: dir}, nil)

	pid, err := SpawnDetached("/bin/sh", []string{"-c", "sleep 60"}, "", filepath.Join(dir, "logs", "backend.log"))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	m.procs[ServiceBackend] = &ProcessRecord{
		Name:      ServiceBackend,
		PID:       pid,
		Port:      freePort(t),
		StartedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !m.StopOwned(ctx) {
		t.Fatal("Expected StopOwned to report a stop")
	}
	if len(m.procs) != 0 {
		t.Errorf("Record table must be empty after StopOwned, got %d entries", len(m.procs))
	}

	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("Process %d still alive after StopOwned", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStopOwnedWithoutRecordsIsNoop(t *testing.T) {
	m := NewManager(&config.AgentConfig{WorkDir: t.TempDir()}, nil)
	if m.StopOwned(context.Background()) {
		t.Error("StopOwned without records must report nothing stopped")
	}
}
