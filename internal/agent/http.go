package agent

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// Server is the agent's HTTP surface: authenticated snapshot/service/proxy
// endpoints plus an unauthenticated health check.
type Server struct {
	token   string
	builder *SnapshotBuilder
	tunnel  *TunnelSupervisor
}

func NewServer(token string, builder *SnapshotBuilder, tunnel *TunnelSupervisor) *Server {
	return &Server{token: token, builder: builder, tunnel: tunnel}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/snapshot", s.handleSnapshot)
		r.Get("/v1/services", s.handleServices)
		r.Get("/v1/proxy/status", s.handleProxyStatus)
		r.Post("/v1/proxy/start", s.handleProxyStart)
		r.Post("/v1/proxy/stop", s.handleProxyStop)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, checks := s.builder.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.builder.Build(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	items := Catalog(r.Context())
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config *wire.ProxyConfig `json:"config"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.tunnel.Start(body.Config); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func (s *Server) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	s.tunnel.Stop()
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
