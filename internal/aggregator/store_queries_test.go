package aggregator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenStoreWAL(t *testing.T) {
	s := testStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenStoreSecondInstanceFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	if _, err := OpenStore(path); err == nil {
		t.Fatal("expected second OpenStore against the same path to fail")
	}
}

func TestCreateServerRejectsDuplicateName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.2", AgentPort: 9109, Enabled: true}); err != ErrNameConflict {
		t.Fatalf("err = %v, want ErrNameConflict", err)
	}
}

func TestUpdateServerLastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	newHost := "10.0.0.9"
	if err := s.UpdateServer(ctx, id, ServerUpdate{Host: &newHost}); err != nil {
		t.Fatal(err)
	}

	srv, err := s.GetServer(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if srv.Host != newHost {
		t.Errorf("host = %q, want %q", srv.Host, newHost)
	}
	if srv.Name != "gpu-1" {
		t.Errorf("name = %q, want unchanged gpu-1", srv.Name)
	}
}

func TestDeleteServerCascadesHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHourlySample(ctx, wire.HourlySample{ServerID: id, TS: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveEvent(ctx, id, wire.EventServerDown, "down"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteServer(ctx, id); err != nil {
		t.Fatal(err)
	}

	rows, total, err := s.QueryHourlyHistory(ctx, HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(rows) != 0 {
		t.Errorf("expected hourly samples to cascade-delete, got %d rows", total)
	}

	events, err := s.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected events to cascade-delete, got %d", len(events))
	}
}

func TestSaveEventDedupesWithinWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	firstID, err := s.SaveEvent(ctx, id, wire.EventServerDown, "down")
	if err != nil {
		t.Fatal(err)
	}
	if firstID == 0 {
		t.Fatal("expected first event to persist")
	}

	dedupedID, err := s.SaveEvent(ctx, id, wire.EventServerDown, "down again")
	if err != nil {
		t.Fatal(err)
	}
	if dedupedID != 0 {
		t.Errorf("expected second event within window to be deduped, got id %d", dedupedID)
	}

	events, err := s.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1 after dedup", len(events))
	}
}

func TestQueryHourlyHistoryPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateServer(ctx, wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		ts := formatHour(i)
		if err := s.SaveHourlySample(ctx, wire.HourlySample{ServerID: id, TS: ts}); err != nil {
			t.Fatal(err)
		}
	}

	page1, total, err := s.QueryHourlyHistory(ctx, HistoryFilter{Limit: 10, Offset: 0, SortBy: "ts", SortOrder: "desc"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 50 {
		t.Fatalf("total = %d, want 50", total)
	}
	if len(page1) != 10 {
		t.Fatalf("len(page1) = %d, want 10", len(page1))
	}

	page2, _, err := s.QueryHourlyHistory(ctx, HistoryFilter{Limit: 10, Offset: 10, SortBy: "ts", SortOrder: "desc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 10 {
		t.Fatalf("len(page2) = %d, want 10", len(page2))
	}

	seen := make(map[int64]bool, 20)
	for _, r := range page1 {
		seen[r.ID] = true
	}
	for _, r := range page2 {
		if seen[r.ID] {
			t.Errorf("id %d appears in both pages", r.ID)
		}
	}
}

func TestParseServerIDsDropsEntireFilterOnInvalidToken(t *testing.T) {
	if ids := parseServerIDs("1,2,3"); len(ids) != 3 {
		t.Fatalf("ids = %v, want 3 entries", ids)
	}
	if ids := parseServerIDs("1,not-a-number,3"); ids != nil {
		t.Errorf("ids = %v, want nil (any invalid token drops the whole filter)", ids)
	}
	if ids := parseServerIDs(""); ids != nil {
		t.Errorf("ids = %v, want nil for empty filter", ids)
	}
}

func formatHour(i int) string {
	// Distinct, strictly increasing hour-boundary timestamps; exact
	// calendar validity doesn't matter for pagination ordering.
	return fmt.Sprintf("2026-01-%02dT%02d:00:00Z", 1+i/24, i%24)
}
