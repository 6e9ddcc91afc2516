package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

func testHTTPServer(t *testing.T, devMode bool) (*HTTPServer, *Store) {
	t.Helper()
	store := testStore(t)
	state := NewStateStore()
	h := NewHTTPServer(store, state, NewProxyClient(0), "admin-secret", devMode, nil)
	return h, store
}

func TestCreateServerRequiresAdminTokenWhenNotDevMode(t *testing.T) {
	h, _ := testHTTPServer(t, false)

	body := `{"name":"gpu-1","host":"10.0.0.1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without admin token", rec.Code)
	}
}

func TestCreateServerSucceedsWithAdminToken(t *testing.T) {
	h, _ := testHTTPServer(t, false)

	body := `{"name":"gpu-1","host":"10.0.0.1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader(body))
	req.Header.Set("X-Admin-Token", "admin-secret")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateServerConflictReturns409(t *testing.T) {
	h, store := testHTTPServer(t, true)
	if _, err := store.CreateServer(context.Background(), wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader(`{"name":"gpu-1","host":"10.0.0.2"}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetServerNotFoundReturns404(t *testing.T) {
	h, _ := testHTTPServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/servers/999", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHistoryHourlyRejectsOutOfRangeLimit(t *testing.T) {
	h, _ := testHTTPServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/history/hourly?limit=5000", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for limit > 1000", rec.Code)
	}
}

func TestHistoryExportSetsContentDisposition(t *testing.T) {
	h, _ := testHTTPServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/history/hourly/export", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := "attachment; filename=history_export.csv"
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
}

func TestListServersDecoratesWithLiveState(t *testing.T) {
	h, store := testHTTPServer(t, true)
	id, err := store.CreateServer(context.Background(), wire.Server{Name: "gpu-1", Host: "10.0.0.1", AgentPort: 9109, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	h.state.SetLatest(id, wire.LatestSnapshot{Online: true, TS: "2026-01-01T00:00:00Z"})

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	var servers []wire.Server
	if err := json.NewDecoder(rec.Body).Decode(&servers); err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || !servers[0].Online {
		t.Fatalf("servers = %+v, want one online server", servers)
	}
}
