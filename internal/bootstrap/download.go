package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// downloadRetries is how many times the HTTP download is attempted before
// falling back to curl.
const downloadRetries = 3

// downloadFile fetches url into dest, reporting byte-level progress scaled
// into the [startPct, endPct] band. After the HTTP attempts are exhausted it
// falls back to curl, which handles some corporate proxies better.
func downloadFile(ctx context.Context, url, dest string, startPct, endPct int, rep Reporter) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= downloadRetries; attempt++ {
		if attempt > 1 {
			rep.message(fmt.Sprintf("Retrying download (attempt %d of %d)...", attempt, downloadRetries))
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = downloadHTTP(ctx, url, dest, startPct, endPct, rep); lastErr == nil {
			return nil
		}
		slog.Warn("Download attempt failed", "url", url, "attempt", attempt, "error", lastErr)
	}

	// curl fallback.
	if _, err := exec.LookPath("curl"); err == nil {
		rep.message("Falling back to curl...")
		if _, err := runCommand(ctx, "", "curl", "-fL", "--retry", "2", "-o", dest, url); err == nil {
			rep.percent(endPct, "Download complete.")
			return nil
		}
	}

	return fmt.Errorf("download %s: %w", url, lastErr)
}

func downloadHTTP(ctx context.Context, url, dest string, startPct, endPct int, rep Reporter) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	var total uint64
	if resp.ContentLength > 0 {
		total = uint64(resp.ContentLength)
	}

	var written uint64
	buf := make([]byte, 256*1024)
	lastReport := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("write file: %w", writeErr)
			}
			written += uint64(n)

			// Throttle progress to avoid flooding the wire.
			if time.Since(lastReport) >= 250*time.Millisecond {
				lastReport = time.Now()
				pct := startPct
				if total > 0 {
					pct = startPct + int(float64(endPct-startPct)*float64(written)/float64(total))
				}
				downloaded := written
				rep.report(Update{
					Percent:         &pct,
					Message:         "Downloading...",
					BytesDownloaded: &downloaded,
					BytesTotal:      totalPtr(total),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}

	rep.percent(endPct, "Download complete.")
	return nil
}

func totalPtr(total uint64) *uint64 {
	if total == 0 {
		return nil
	}
	return &total
}
