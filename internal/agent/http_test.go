package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer() *Server {
	builder := NewSnapshotBuilder("node-1", NewCPUCollector("/proc"), NewDiskCollector(nil), NewGPUCollector("off"), NewServiceCollector(nil))
	return NewServer("s3cr3t", builder, NewTunnelSupervisor())
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSnapshotRequiresBearerToken(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without Authorization header", rec.Code)
	}
}

func TestSnapshotRejectsWrongToken(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for wrong token", rec.Code)
	}
}

func TestSnapshotAcceptsCorrectToken(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with correct token", rec.Code)
	}
}
