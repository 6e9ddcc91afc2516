package aggregator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAggregatorConfig(t *testing.T, dbPath, logLevel string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[database]
path = "` + dbPath + `"

[api]
port = 18080

[collector]
interval = "5s"

[retention]
days = 30
`
	if logLevel != "" {
		body = `log_level = "` + logLevel + `"` + "\n" + body
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAggregatorReloadAppliesMutableSubset(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agg.db")
	path := writeAggregatorConfig(t, dbPath, "info")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(cfg, path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()

	if a.LogLevelVar().Level() != slog.LevelInfo {
		t.Fatalf("initial level = %v, want info", a.LogLevelVar().Level())
	}

	newCfg := writeAggregatorConfig(t, dbPath, "debug")
	os.WriteFile(path, mustRead(t, newCfg), 0644)

	if err := a.Reload(); err != nil {
		t.Fatal(err)
	}
	if a.LogLevelVar().Level() != slog.LevelDebug {
		t.Fatalf("reloaded level = %v, want debug", a.LogLevelVar().Level())
	}
	if int(a.retention.retentionDays.Load()) != 30 {
		t.Errorf("retention days = %d, want 30 (unchanged)", a.retention.retentionDays.Load())
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// TestAggregatorRunWaitsForLoopsBeforeClosingStore verifies shutdown
// doesn't close the store out from under an in-flight tick: cancelling the
// context must let the scheduler/rollup/retention goroutines return before
// the store closes.
func TestAggregatorRunWaitsForLoopsBeforeClosingStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agg.db")
	path := writeAggregatorConfig(t, dbPath, "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(cfg, path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let the loops start, then request shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	// The store must already be closed; a query should fail rather than
	// succeed against a closed *sql.DB.
	if _, err := a.store.db.Exec("SELECT 1"); err == nil {
		t.Fatal("expected store to be closed after Run returns")
	}
}
