package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write serializes the result to <exportsDir>/enrichment-YYYYMMDD-HHMMSS.json
// and returns the path written. The directory is created if missing and the
// file lands via temp+fsync+rename so a crash never leaves a torn report.
func Write(result *RunResult, exportsDir string) (string, error) {
	if err := os.MkdirAll(exportsDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir exports dir: %w", err)
	}
	name := fmt.Sprintf("enrichment-%s.json", result.StartedAt.Format("20060102-150405"))
	path := filepath.Join(exportsDir, name)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes data to a sibling temp file, fsyncs, then renames onto
// path.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
