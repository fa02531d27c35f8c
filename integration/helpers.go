//go:build integration

package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const helperEnv = "CELLRUN_INTEGRATION_HELPER"

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// WriteNotebook writes cells in percent format and returns the file path.
// Each cell is "id=source".
func WriteNotebook(t *testing.T, cells ...string) string {
	t.Helper()
	var b strings.Builder
	for _, c := range cells {
		id, source, _ := strings.Cut(c, "=")
		fmt.Fprintf(&b, "# %%%% %s\n%s\n\n", id, source)
	}
	path := filepath.Join(t.TempDir(), "flow.py")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write notebook: %v", err)
	}
	return path
}

// createTestConfig writes a config whose runtime is this test binary
// re-executed as TestHelperProcess
func createTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	configPath := TempConfigPath(t)

	config := fmt.Sprintf(`[runtime]
command = [%q, "-test.run=^TestHelperProcess$"]
health_attempts = 20
health_initial_backoff_ms = 20
health_max_backoff_ms = 200
stop_timeout_secs = 2

[runtime.env]
%s = "1"

[store]
database_path = %q

[log]
level = "warn"

[notifications]
desktop = false
`, os.Args[0], helperEnv, dbPath)

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}
