// Package sysinfo collects the system snapshot behind the detect_system
// operation: hardware, OS, and which prerequisites are already present.
// Everything is best effort; a field the platform cannot answer is zero,
// never an error, because the decision-maker needs whatever is available.
package sysinfo

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// ollamaPort is the local model runtime's fixed API port.
const ollamaPort = "11434"

// Snapshot is the full detection result returned to the decision-maker.
type Snapshot struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	OSVersion string `json:"os_version,omitempty"`
	Hostname  string `json:"hostname,omitempty"`

	CPUModel      string   `json:"cpu_model,omitempty"`
	CPUCores      int      `json:"cpu_cores"`
	MemoryTotalMB uint64   `json:"memory_total_mb"`
	DiskFreeGB    float64  `json:"disk_free_gb"`
	GPUs          []string `json:"gpus,omitempty"`

	HomeDir    string `json:"home_dir"`
	InstallDir string `json:"install_dir"`

	CondaInstalled  bool   `json:"conda_installed"`
	CondaPath       string `json:"conda_path,omitempty"`
	GitInstalled    bool   `json:"git_installed"`
	NodeInstalled   bool   `json:"node_installed"`
	OllamaInstalled bool   `json:"ollama_installed"`
	OllamaRunning   bool   `json:"ollama_running"`
	MindloomExists  bool   `json:"mindloom_exists"`
}

// Collector gathers snapshots for a given install layout.
type Collector struct {
	installDir string
}

// NewCollector creates a collector rooted at the application install dir.
func NewCollector(installDir string) *Collector {
	return &Collector{installDir: installDir}
}

// Collect gathers one snapshot.
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		InstallDir: c.installDir,
	}

	if home, err := os.UserHomeDir(); err == nil {
		snap.HomeDir = home
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		snap.Hostname = info.Hostname
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotalMB = vm.Total / 1024 / 1024
	}
	if usage, err := disk.UsageWithContext(ctx, diskRoot(snap.HomeDir)); err == nil {
		snap.DiskFreeGB = float64(usage.Free) / (1024 * 1024 * 1024)
	}
	snap.GPUs = detectGPUs(ctx)

	snap.CondaPath = c.CondaPath()
	snap.CondaInstalled = snap.CondaPath != ""
	snap.GitInstalled = commandExists("git")
	snap.NodeInstalled = commandExists("node")
	snap.OllamaInstalled = ollamaInstalled()
	snap.OllamaRunning = OllamaRunning()
	snap.MindloomExists = repoExists(c.installDir)

	return snap
}

// CondaPath resolves the conda binary, preferring the isolated install
// inside the application directory over anything on PATH. An existing
// system conda must never be touched.
func (c *Collector) CondaPath() string {
	candidates := []string{
		filepath.Join(c.installDir, "miniconda3", "bin", "conda"),
		filepath.Join(c.installDir, "miniconda3", "condabin", "conda"),
	}
	if runtime.GOOS == "windows" {
		candidates = []string{
			filepath.Join(c.installDir, "miniconda3", "Scripts", "conda.exe"),
			filepath.Join(c.installDir, "miniconda3", "condabin", "conda.bat"),
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath("conda"); err == nil {
		return p
	}
	return ""
}

// OllamaRunning probes the local model runtime's API port.
func OllamaRunning() bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", ollamaPort), 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func ollamaInstalled() bool {
	if commandExists("ollama") {
		return true
	}
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat("/Applications/Ollama.app"); err == nil {
			return true
		}
	}
	return false
}

func repoExists(installDir string) bool {
	info, err := os.Stat(filepath.Join(installDir, ".git"))
	return err == nil && info.IsDir()
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func diskRoot(home string) string {
	if home != "" {
		return home
	}
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// detectGPUs shells out to platform tools. Missing tools just mean an
// empty list.
func detectGPUs(ctx context.Context) []string {
	var gpus []string

	if out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output(); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				gpus = append(gpus, line)
			}
		}
	}

	if runtime.GOOS == "darwin" && len(gpus) == 0 {
		if out, err := exec.CommandContext(ctx, "system_profiler", "SPDisplaysDataType").Output(); err == nil {
			for _, line := range strings.Split(string(out), "\n") {
				if strings.Contains(line, "Chipset Model:") {
					gpus = append(gpus, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Chipset Model:")))
				}
			}
		}
	}

	return gpus
}
