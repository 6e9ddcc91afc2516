package aggregator

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// HTTPServer is the aggregator's query and control surface: read endpoints
// combine the live state store with persisted history; write endpoints
// require an admin token unless the configured token is the development
// placeholder.
type HTTPServer struct {
	store       *Store
	state       *StateStore
	proxyClient *ProxyClient
	adminToken  string
	devMode     bool
	corsOrigins []string
}

// NewHTTPServer creates the aggregator's HTTP surface.
func NewHTTPServer(store *Store, state *StateStore, proxyClient *ProxyClient, adminToken string, devMode bool, corsOrigins []string) *HTTPServer {
	return &HTTPServer{
		store:       store,
		state:       state,
		proxyClient: proxyClient,
		adminToken:  adminToken,
		devMode:     devMode,
		corsOrigins: corsOrigins,
	}
}

func (h *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	origins := h.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Token"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/servers", h.listServers)
		r.Get("/servers/{id}", h.getServer)
		r.Get("/servers/{id}/services/catalog", h.serviceCatalog)
		r.Get("/servers/{id}/proxy", h.adminOnly(h.getProxyConfig))
		r.Get("/servers/{id}/timeseries", h.timeseries)
		r.Get("/history/hourly", h.historyHourly)
		r.Get("/history/hourly/export", h.historyExport)
		r.Get("/events", h.recentEvents)

		r.Post("/servers", h.adminOnly(h.createServer))
		r.Put("/servers/{id}", h.adminOnly(h.updateServer))
		r.Delete("/servers/{id}", h.adminOnly(h.deleteServer))
		r.Put("/servers/{id}/proxy", h.adminOnly(h.putProxy))
	})

	return r
}

func (h *HTTPServer) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.devMode {
			next(w, r)
			return
		}
		if r.Header.Get("X-Admin-Token") != h.adminToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// decorate attaches the live state-store view to a persisted Server record.
func (h *HTTPServer) decorate(srv wire.Server) wire.Server {
	latest, ok := h.state.GetLatest(srv.ID)
	if ok {
		l := latest
		srv.Latest = &l
		srv.Online = latest.Online
	}
	return srv
}

func (h *HTTPServer) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListAllServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]wire.Server, len(servers))
	for i, s := range servers {
		out[i] = h.decorate(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPServer) getServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	srv, err := h.store.GetServer(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.decorate(srv))
}

type createServerRequest struct {
	Name      string   `json:"name"`
	Host      string   `json:"host"`
	AgentPort int      `json:"agent_port"`
	Token     string   `json:"token"`
	Enabled   *bool    `json:"enabled"`
	Services  []string `json:"services"`
}

func (h *HTTPServer) createServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "name and host are required")
		return
	}
	if req.AgentPort == 0 {
		req.AgentPort = 9109
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	id, err := h.store.CreateServer(r.Context(), wire.Server{
		Name:      req.Name,
		Host:      req.Host,
		AgentPort: req.AgentPort,
		Token:     req.Token,
		Enabled:   enabled,
		Services:  req.Services,
	})
	if errors.Is(err, ErrNameConflict) {
		writeError(w, http.StatusConflict, "server name already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	srv, err := h.store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

type updateServerRequest struct {
	Name      *string   `json:"name"`
	Host      *string   `json:"host"`
	AgentPort *int      `json:"agent_port"`
	Token     *string   `json:"token"`
	Enabled   *bool     `json:"enabled"`
	Services  *[]string `json:"services"`
}

func (h *HTTPServer) updateServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req updateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err = h.store.UpdateServer(r.Context(), id, ServerUpdate{
		Name:      req.Name,
		Host:      req.Host,
		AgentPort: req.AgentPort,
		Token:     req.Token,
		Services:  req.Services,
		Enabled:   req.Enabled,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "server not found")
		return
	case errors.Is(err, ErrNameConflict):
		writeError(w, http.StatusConflict, "server name already exists")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	srv, err := h.store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *HTTPServer) deleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.DeleteServer(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.state.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) serviceCatalog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	srv, err := h.store.GetServer(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items, err := h.proxyClient.ServiceCatalog(r.Context(), srv)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type proxyConfigResponse struct {
	Config *wire.ProxyConfig `json:"config"`
	Status *wire.TunnelStatus `json:"status,omitempty"`
}

// getProxyConfig returns the persisted tunnel config plus, best-effort, the
// agent's live tunnel status. A stale or unreachable agent still leaves the
// persisted config readable; status is simply omitted.
func (h *HTTPServer) getProxyConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	cfg, err := h.store.GetProxyConfig(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := proxyConfigResponse{Config: cfg}
	if srv, err := h.store.GetServer(r.Context(), id); err == nil {
		if status, err := h.proxyClient.ProxyStatus(r.Context(), srv); err == nil {
			resp.Status = status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type putProxyRequest struct {
	Config *wire.ProxyConfig `json:"config"`
	Action *string           `json:"action"`
}

func (h *HTTPServer) putProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	srv, err := h.store.GetServer(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req putProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Config != nil {
		if err := h.store.SetProxyConfig(r.Context(), id, *req.Config); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		srv.ProxyConfig = req.Config
	}

	if req.Action == nil {
		writeJSON(w, http.StatusOK, srv.ProxyConfig)
		return
	}

	switch *req.Action {
	case "start":
		if srv.ProxyConfig != nil && !srv.ProxyConfig.Enabled {
			writeError(w, http.StatusBadRequest, "proxy is not enabled for this server")
			return
		}
		status, err := h.proxyClient.ProxyStart(r.Context(), srv, req.Config)
		if err != nil {
			h.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "stop":
		status, err := h.proxyClient.ProxyStop(r.Context(), srv)
		if err != nil {
			h.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		writeError(w, http.StatusBadRequest, "action must be start or stop")
	}
}

func (h *HTTPServer) writeAgentError(w http.ResponseWriter, err error) {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		writeError(w, http.StatusBadGateway, agentErr.Body)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (h *HTTPServer) timeseries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	q := r.URL.Query()
	metric := TimeseriesMetric(q.Get("metric"))
	agg := q.Get("agg")
	if agg == "" {
		agg = "avg"
	}

	points, err := h.store.QueryTimeseries(r.Context(), id, metric, q.Get("from"), q.Get("to"), agg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// parseServerIDs splits a comma-separated filter; if ANY token fails to
// parse as an integer, the entire filter is dropped (treated as
// unfiltered) rather than raising an error.
func parseServerIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	tokens := strings.Split(raw, ",")
	ids := make([]int64, 0, len(tokens))
	for _, t := range tokens {
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

func (h *HTTPServer) historyHourly(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusUnprocessableEntity, "offset must be >= 0")
			return
		}
		offset = v
	}

	rows, total, err := h.store.QueryHourlyHistory(r.Context(), HistoryFilter{
		ServerIDs: parseServerIDs(q.Get("server_ids")),
		From:      q.Get("from"),
		To:        q.Get("to"),
		Limit:     limit,
		Offset:    offset,
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rows":  rows,
		"total": total,
	})
}

func (h *HTTPServer) historyExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, _, err := h.store.QueryHourlyHistory(r.Context(), HistoryFilter{
		ServerIDs: parseServerIDs(q.Get("server_ids")),
		From:      q.Get("from"),
		To:        q.Get("to"),
		Limit:     1000,
		Offset:    0,
		SortBy:    "ts",
		SortOrder: "desc",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=history_export.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"id", "server_id", "server_name", "ts",
		"cpu_pct_avg", "cpu_pct_max",
		"disk_used_pct", "disk_used_bytes", "disk_total_bytes",
		"gpu_util_pct_avg", "gpu_util_pct_max", "gpu_mem_used_mb", "gpu_mem_total_mb",
	})
	for _, row := range rows {
		cw.Write([]string{
			strconv.FormatInt(row.ID, 10),
			strconv.FormatInt(row.ServerID, 10),
			row.ServerName,
			row.TS,
			floatPtrStr(row.CPUPctAvg),
			floatPtrStr(row.CPUPctMax),
			floatPtrStr(row.DiskUsedPct),
			int64PtrStr(row.DiskUsedBytes),
			int64PtrStr(row.DiskTotalBytes),
			floatPtrStr(row.GPUUtilPctAvg),
			floatPtrStr(row.GPUUtilPctMax),
			floatPtrStr(row.GPUMemUsedMB),
			floatPtrStr(row.GPUMemTotalMB),
		})
	}
	cw.Flush()
}

func floatPtrStr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func int64PtrStr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func (h *HTTPServer) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	events, err := h.store.GetRecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
