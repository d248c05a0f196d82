package bootstrap

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

func testBootstrap(t *testing.T) *Bootstrap {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.AgentConfig{
		InstallDir:   filepath.Join(dir, "MindLoom"),
		CondaEnvName: "MindLoomDev",
		WorkDir:      filepath.Join(dir, ".mindloom-launcher"),
	}
	return New(cfg, sysinfo.NewCollector(cfg.InstallDir))
}

func TestMinicondaInstallerURL(t *testing.T) {
	url, err := minicondaInstallerURL()
	if err != nil {
		t.Fatalf("minicondaInstallerURL failed: %v", err)
	}
	if !strings.HasPrefix(url, minicondaBaseURL) {
		t.Errorf("Installer URL %q is not under the official host", url)
	}
	switch runtime.GOOS {
	case "linux":
		if !strings.Contains(url, "Linux") {
			t.Errorf("Expected a Linux installer, got %q", url)
		}
	case "darwin":
		if !strings.Contains(url, "MacOSX") {
			t.Errorf("Expected a macOS installer, got %q", url)
		}
	}
}

func TestCloneRepoAlreadyExists(t *testing.T) {
	b := testBootstrap(t)
	if err := os.MkdirAll(filepath.Join(b.cfg.InstallDir, ".git"), 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	res, err := b.CloneRepo(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("CloneRepo failed: %v", err)
	}
	if res.Status != StatusAlreadyExists {
		t.Errorf("Expected already_exists, got %s", res.Status)
	}

	// A second call is equally a no-op success.
	res, err = b.CloneRepo(context.Background(), "", "", nil)
	if err != nil || res.Status != StatusAlreadyExists {
		t.Errorf("Second call should still be already_exists, got %v %v", res, err)
	}
}

func TestCloneRepoRefusesUnexpectedFiles(t *testing.T) {
	b := testBootstrap(t)
	if err := os.MkdirAll(b.cfg.InstallDir, 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(b.cfg.InstallDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := b.CloneRepo(context.Background(), "", "", nil); err == nil {
		t.Error("Expected refusal to clone over unexpected files")
	}
}

func TestSetupEnvFile(t *testing.T) {
	b := testBootstrap(t)
	backend := filepath.Join(b.cfg.InstallDir, "backend")
	if err := os.MkdirAll(backend, 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	template := "API_HOST=localhost\nAPI_PORT=8005\n"
	if err := os.WriteFile(filepath.Join(backend, ".env-dev"), []byte(template), 0o644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	res, err := b.SetupEnvFile("")
	if err != nil {
		t.Fatalf("SetupEnvFile failed: %v", err)
	}
	if res.Status != StatusCreated {
		t.Errorf("Expected created, got %s", res.Status)
	}

	content, err := os.ReadFile(filepath.Join(backend, ".env"))
	if err != nil {
		t.Fatalf("Reading created file failed: %v", err)
	}
	if string(content) != template {
		t.Errorf("Copied content differs from template")
	}

	// User edits must survive a rerun.
	if err := os.WriteFile(filepath.Join(backend, ".env"), []byte("EDITED=1\n"), 0o600); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	res, err = b.SetupEnvFile("")
	if err != nil {
		t.Fatalf("Second SetupEnvFile failed: %v", err)
	}
	if res.Status != StatusAlreadyExists {
		t.Errorf("Expected already_exists on rerun, got %s", res.Status)
	}
	content, _ = os.ReadFile(filepath.Join(backend, ".env"))
	if string(content) != "EDITED=1\n" {
		t.Error("Rerun overwrote the user's edits")
	}
}

func TestSetupEnvFileMissingTemplate(t *testing.T) {
	b := testBootstrap(t)
	if err := os.MkdirAll(filepath.Join(b.cfg.InstallDir, "backend"), 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if _, err := b.SetupEnvFile(""); err == nil {
		t.Error("Expected an error for a missing template")
	}
}

func TestParsePullProgress(t *testing.T) {
	pct, downloaded, total, ok := parsePullProgress("pulling 8934d96d3f08...  42% 1.2 GB/2.8 GB")
	if !ok {
		t.Fatal("Expected a parseable progress line")
	}
	if pct != 42 {
		t.Errorf("Expected 42 percent, got %d", pct)
	}
	wantDownloaded := 1.2 * float64(1<<30)
	wantTotal := 2.8 * float64(1<<30)
	if downloaded == nil || *downloaded != uint64(wantDownloaded) {
		t.Errorf("Unexpected downloaded bytes: %v", downloaded)
	}
	if total == nil || *total != uint64(wantTotal) {
		t.Errorf("Unexpected total bytes: %v", total)
	}

	if _, _, _, ok := parsePullProgress("pulling manifest"); ok {
		t.Error("Line without percent must not parse")
	}

	pct, downloaded, _, ok = parsePullProgress("downloading  7%")
	if !ok || pct != 7 || downloaded != nil {
		t.Errorf("Expected percent-only parse, got %d %v %v", pct, downloaded, ok)
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		value, unit string
		want        uint64
	}{
		{"512", "KB", 512 << 10},
		{"1.5", "MB", uint64(1.5 * float64(1<<20))},
		{"2", "GB", 2 << 30},
	}
	for _, c := range cases {
		got, ok := parseSize(c.value, c.unit)
		if !ok || got != c.want {
			t.Errorf("parseSize(%s %s) = %d %v, want %d", c.value, c.unit, got, ok, c.want)
		}
	}
	if _, ok := parseSize("1", "TB"); ok {
		t.Error("Unknown unit must not parse")
	}
}

func TestScanCRLines(t *testing.T) {
	input := "line one\rline two\nline three"
	var lines []string
	data := []byte(input)
	for len(data) > 0 {
		advance, token, err := scanCRLines(data, true)
		if err != nil {
			t.Fatalf("scanCRLines failed: %v", err)
		}
		if advance == 0 {
			break
		}
		lines = append(lines, string(token))
		data = data[advance:]
	}
	if len(lines) != 3 || lines[0] != "line one" || lines[1] != "line two" || lines[2] != "line three" {
		t.Errorf("Unexpected split: %q", lines)
	}
}

func TestResolveRepoPathConfinement(t *testing.T) {
	b := testBootstrap(t)

	path, err := b.resolveRepoPath("")
	if err != nil || path != b.cfg.InstallDir {
		t.Errorf("Empty path should resolve to the install dir, got %q %v", path, err)
	}

	if _, err := b.resolveRepoPath("../../etc"); err == nil {
		t.Error("Traversal outside the home directory must be rejected")
	}

	// A sibling directory whose name merely extends the home directory
	// must not pass as "inside" it.
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir failed: %v", err)
	}
	sibling := filepath.Join("..", filepath.Base(home)+"-sibling")
	if _, err := b.resolveRepoPath(sibling); err == nil {
		t.Errorf("Sibling path %q must be rejected", sibling)
	}
}

func TestCloneRepoRejectsHomeSiblingTarget(t *testing.T) {
	b := testBootstrap(t)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir failed: %v", err)
	}
	sibling := filepath.Join("..", filepath.Base(home)+"-sibling")
	if _, err := b.CloneRepo(context.Background(), "", sibling, nil); err == nil {
		t.Errorf("Sibling target %q must be rejected", sibling)
	}
}

func TestUnderDir(t *testing.T) {
	cases := []struct {
		path, dir string
		want      bool
	}{
		{"/home/user", "/home/user", true},
		{"/home/user/MindLoom", "/home/user", true},
		{"/home/user2", "/home/user", false},
		{"/home", "/home/user", false},
		{"/etc/passwd", "/home/user", false},
	}
	for _, c := range cases {
		if got := underDir(c.path, c.dir); got != c.want {
			t.Errorf("underDir(%q, %q) = %v, want %v", c.path, c.dir, got, c.want)
		}
	}
}

func TestInstallAllDepsReportsBothHalves(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub")
	}
	b := testBootstrap(t)

	// A conda stand-in that succeeds for the pip half and fails for npm,
	// so exactly one half of the parallel install goes wrong.
	binDir := filepath.Join(b.cfg.InstallDir, "miniconda3", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	stub := "#!/bin/sh\nfor a in \"$@\"; do\n  if [ \"$a\" = \"npm\" ]; then exit 1; fi\ndone\nexit 0\n"
	if err := os.WriteFile(filepath.Join(binDir, "conda"), []byte(stub), 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	backend := filepath.Join(b.cfg.InstallDir, "backend")
	frontend := filepath.Join(b.cfg.InstallDir, "frontend")
	for _, dir := range []string{backend, frontend} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(backend, "requirements.txt"), []byte("fastapi\n"), 0o644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(frontend, "package.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	res, err := b.InstallAllDeps(context.Background(), "", "", nil)
	if err == nil {
		t.Fatal("Expected a combined error when one half fails")
	}
	if res == nil {
		t.Fatal("Expected the partial result alongside the error")
	}
	if !res.Backend.Success {
		t.Errorf("The backend half must not be cancelled by the frontend failure: %+v", res.Backend)
	}
	if res.Frontend.Success {
		t.Errorf("Expected the frontend half to fail: %+v", res.Frontend)
	}
	if res.Frontend.Message == "" {
		t.Error("The failing half must carry its message")
	}
	if !strings.Contains(err.Error(), "frontend") {
		t.Errorf("Combined error must name the failing half, got %v", err)
	}
}

func TestInstallAllDepsMissingManifests(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub")
	}
	b := testBootstrap(t)
	binDir := filepath.Join(b.cfg.InstallDir, "miniconda3", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "conda"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	res, err := b.InstallAllDeps(context.Background(), "", "", nil)
	if err == nil {
		t.Fatal("Expected an error with no dependency manifests present")
	}
	if res == nil || res.Backend.Success || res.Frontend.Success {
		t.Errorf("Both halves must fail without manifests: %+v", res)
	}
}

func TestDownloadFileReportsProgress(t *testing.T) {
	const chunk = 64 * 1024
	const chunks = 4
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunk*chunks))
		fl := w.(http.Flusher)
		for i := 0; i < chunks; i++ {
			_, _ = w.Write(bytes.Repeat([]byte{0xAB}, chunk))
			fl.Flush()
			// Spread the body out so the throttled reporter fires
			// mid-transfer.
			time.Sleep(300 * time.Millisecond)
		}
	}))
	defer srv.Close()

	var updates []Update
	rep := Reporter(func(u Update) { updates = append(updates, u) })

	dest := filepath.Join(t.TempDir(), "dl", "installer.sh")
	if err := downloadFile(context.Background(), srv.URL, dest, 10, 50, rep); err != nil {
		t.Fatalf("downloadFile failed: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Destination missing: %v", err)
	}
	if info.Size() != chunk*chunks {
		t.Errorf("Expected %d bytes, got %d", chunk*chunks, info.Size())
	}
	if _, err := os.Stat(dest + ".partial"); !os.IsNotExist(err) {
		t.Error("Partial file must be renamed away on success")
	}

	var percents []int
	sawBytes := false
	for _, u := range updates {
		if u.Percent != nil {
			percents = append(percents, *u.Percent)
		}
		if u.BytesDownloaded != nil && u.BytesTotal != nil {
			sawBytes = true
		}
	}
	if len(percents) < 2 {
		t.Fatalf("Expected mid-transfer progress plus completion, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("Percent went backwards: %v", percents)
		}
	}
	for _, pct := range percents {
		if pct < 10 || pct > 50 {
			t.Errorf("Percent %d outside the 10..50 band", pct)
		}
	}
	if percents[len(percents)-1] != 50 {
		t.Errorf("Expected the band ceiling at completion, got %v", percents)
	}
	if !sawBytes {
		t.Error("Expected at least one byte-level progress report")
	}
}

func TestDownloadHTTPBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "installer.sh")
	err := downloadHTTP(context.Background(), srv.URL, dest, 0, 100, nil)
	if err == nil {
		t.Fatal("Expected an error for a 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected the status in the error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("No file may be left behind on a failed download")
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 100); got != "short" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
	long := strings.Repeat("x", 300)
	got := tail(long, 100)
	if len(got) != 103 || !strings.HasPrefix(got, "...") {
		t.Errorf("Expected truncated tail, got %d bytes", len(got))
	}
}
