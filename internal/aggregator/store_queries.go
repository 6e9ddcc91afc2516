package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// ErrNameConflict is returned by CreateServer/UpdateServer when the
// requested name is already taken by a different server.
var ErrNameConflict = errors.New("server name already exists")

// ErrNotFound is returned when a server id has no matching row.
var ErrNotFound = errors.New("server not found")

// dedupWindow is the interval within which a repeat event of the same
// (server_id, type) is silently dropped.
const dedupWindow = 60 * time.Second

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// ListAllServers returns every server, ascending by id.
func (s *Store) ListAllServers(ctx context.Context) ([]wire.Server, error) {
	return s.queryServers(ctx, "SELECT id, name, host, agent_port, token, enabled, services, proxy_config, last_seen_at, created_at FROM servers ORDER BY id")
}

// ListEnabledServers returns only enabled servers, ascending by id.
func (s *Store) ListEnabledServers(ctx context.Context) ([]wire.Server, error) {
	return s.queryServers(ctx, "SELECT id, name, host, agent_port, token, enabled, services, proxy_config, last_seen_at, created_at FROM servers WHERE enabled = 1 ORDER BY id")
}

func (s *Store) queryServers(ctx context.Context, query string, args ...any) ([]wire.Server, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var out []wire.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (wire.Server, error) {
	var (
		srv         wire.Server
		servicesStr string
		proxyStr    sql.NullString
		lastSeen    sql.NullString
	)
	if err := row.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.AgentPort, &srv.Token, &srv.Enabled, &servicesStr, &proxyStr, &lastSeen, &srv.CreatedAt); err != nil {
		return wire.Server{}, fmt.Errorf("scan server: %w", err)
	}
	_ = json.Unmarshal([]byte(servicesStr), &srv.Services)
	if lastSeen.Valid {
		srv.LastSeenAt = &lastSeen.String
	}
	if proxyStr.Valid && proxyStr.String != "" {
		var pc wire.ProxyConfig
		if err := json.Unmarshal([]byte(proxyStr.String), &pc); err == nil {
			srv.ProxyConfig = &pc
		}
	}
	return srv, nil
}

// GetServer returns one server by id, or ErrNotFound.
func (s *Store) GetServer(ctx context.Context, id int64) (wire.Server, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, host, agent_port, token, enabled, services, proxy_config, last_seen_at, created_at FROM servers WHERE id = ?", id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Server{}, ErrNotFound
	}
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return wire.Server{}, ErrNotFound
		}
		return wire.Server{}, err
	}
	return srv, nil
}

// GetServerByName returns one server by name, or ErrNotFound.
func (s *Store) GetServerByName(ctx context.Context, name string) (wire.Server, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, host, agent_port, token, enabled, services, proxy_config, last_seen_at, created_at FROM servers WHERE name = ?", name)
	srv, err := scanServer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no rows") {
			return wire.Server{}, ErrNotFound
		}
		return wire.Server{}, err
	}
	return srv, nil
}

// CreateServer inserts a new server row, failing on duplicate name.
func (s *Store) CreateServer(ctx context.Context, srv wire.Server) (int64, error) {
	if _, err := s.GetServerByName(ctx, srv.Name); err == nil {
		return 0, ErrNameConflict
	}

	servicesJSON, _ := json.Marshal(srv.Services)
	enabled := 0
	if srv.Enabled {
		enabled = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (name, host, agent_port, token, enabled, services)
		VALUES (?, ?, ?, ?, ?, ?)`,
		srv.Name, srv.Host, srv.AgentPort, srv.Token, enabled, string(servicesJSON))
	if err != nil {
		return 0, fmt.Errorf("create server: %w", err)
	}
	return res.LastInsertId()
}

// ServerUpdate carries the partial fields accepted by UpdateServer; a nil
// pointer leaves the existing value untouched (last-write-wins per field).
type ServerUpdate struct {
	Name      *string
	Host      *string
	AgentPort *int
	Token     *string
	Services  *[]string
	Enabled   *bool
}

// UpdateServer applies a partial update, returning ErrNameConflict if the
// new name collides with a different server and ErrNotFound if id is
// unknown.
func (s *Store) UpdateServer(ctx context.Context, id int64, u ServerUpdate) error {
	if _, err := s.GetServer(ctx, id); err != nil {
		return err
	}
	if u.Name != nil {
		existing, err := s.GetServerByName(ctx, *u.Name)
		if err == nil && existing.ID != id {
			return ErrNameConflict
		}
	}

	var sets []string
	var args []any
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Host != nil {
		sets = append(sets, "host = ?")
		args = append(args, *u.Host)
	}
	if u.AgentPort != nil {
		sets = append(sets, "agent_port = ?")
		args = append(args, *u.AgentPort)
	}
	if u.Token != nil {
		sets = append(sets, "token = ?")
		args = append(args, *u.Token)
	}
	if u.Services != nil {
		b, _ := json.Marshal(*u.Services)
		sets = append(sets, "services = ?")
		args = append(args, string(b))
	}
	if u.Enabled != nil {
		v := 0
		if *u.Enabled {
			v = 1
		}
		sets = append(sets, "enabled = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE servers SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteServer removes a server row; hourly samples and events cascade via
// foreign key ON DELETE CASCADE.
func (s *Store) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSeen stamps last_seen_at on a successful pull.
func (s *Store) UpdateLastSeen(ctx context.Context, id int64, ts string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE servers SET last_seen_at = ? WHERE id = ?", ts, id)
	return err
}

// GetProxyConfig returns the server's saved tunnel config, or nil if unset.
func (s *Store) GetProxyConfig(ctx context.Context, id int64) (*wire.ProxyConfig, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT proxy_config FROM servers WHERE id = ?", id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var pc wire.ProxyConfig
	if err := json.Unmarshal([]byte(raw.String), &pc); err != nil {
		return nil, nil
	}
	return &pc, nil
}

// SetProxyConfig persists a server's tunnel config as embedded JSON.
func (s *Store) SetProxyConfig(ctx context.Context, id int64, cfg wire.ProxyConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE servers SET proxy_config = ? WHERE id = ?", string(b), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveHourlySample inserts one rollup row. Servers are rolled up at most
// once per hour by construction (the rollup engine iterates distinct
// buffered servers), so no upsert handling is required here.
func (s *Store) SaveHourlySample(ctx context.Context, sample wire.HourlySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO samples_hourly (
			server_id, ts, cpu_pct_avg, cpu_pct_max,
			disk_used_pct, disk_used_bytes, disk_total_bytes,
			gpu_util_pct_avg, gpu_util_pct_max, gpu_mem_used_mb, gpu_mem_total_mb
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ServerID, sample.TS, sample.CPUPctAvg, sample.CPUPctMax,
		sample.DiskUsedPct, sample.DiskUsedBytes, sample.DiskTotalBytes,
		sample.GPUUtilPctAvg, sample.GPUUtilPctMax, sample.GPUMemUsedMB, sample.GPUMemTotalMB,
	)
	if err != nil {
		return fmt.Errorf("save hourly sample: %w", err)
	}
	return nil
}

// TimeseriesMetric enumerates the metrics query_timeseries accepts.
type TimeseriesMetric string

const (
	MetricCPUPct      TimeseriesMetric = "cpu_pct"
	MetricDiskUsedPct TimeseriesMetric = "disk_used_pct"
	MetricGPUUtilPct  TimeseriesMetric = "gpu_util_pct"
)

// TimeseriesPoint is one (ts, value) pair from QueryTimeseries.
type TimeseriesPoint struct {
	TS    string
	Value *float64
}

// QueryTimeseries returns ascending (ts, value) pairs for one server/metric
// over [from, to], using agg ("avg" or "max") to pick the aggregate column.
func (s *Store) QueryTimeseries(ctx context.Context, serverID int64, metric TimeseriesMetric, from, to, agg string) ([]TimeseriesPoint, error) {
	var column string
	switch metric {
	case MetricCPUPct:
		column = "cpu_pct_" + agg
	case MetricDiskUsedPct:
		column = "disk_used_pct"
	case MetricGPUUtilPct:
		column = "gpu_util_pct_" + agg
	default:
		return nil, nil
	}
	if agg != "avg" && agg != "max" {
		return nil, fmt.Errorf("unsupported aggregate %q", agg)
	}

	query := fmt.Sprintf(`
		SELECT ts, %s AS value FROM samples_hourly
		WHERE server_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`, column)
	rows, err := s.db.QueryContext(ctx, query, serverID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	var out []TimeseriesPoint
	for rows.Next() {
		var p TimeseriesPoint
		var v sql.NullFloat64
		if err := rows.Scan(&p.TS, &v); err != nil {
			return nil, err
		}
		if v.Valid {
			p.Value = &v.Float64
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HistoryFilter is the query_hourly_history parameter set.
type HistoryFilter struct {
	ServerIDs []int64
	From      string
	To        string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

var historySortColumns = map[string]string{
	"ts":                 "h.ts",
	"cpu_pct_avg":        "h.cpu_pct_avg",
	"cpu_pct_max":        "h.cpu_pct_max",
	"disk_used_pct":      "h.disk_used_pct",
	"gpu_util_pct_avg":   "h.gpu_util_pct_avg",
	"gpu_util_pct_max":   "h.gpu_util_pct_max",
	"server_name":        "s.name",
}

// QueryHourlyHistory returns paginated rollup rows joined with server name,
// plus the total count ignoring pagination.
func (s *Store) QueryHourlyHistory(ctx context.Context, f HistoryFilter) ([]wire.HourlySample, int, error) {
	var where []string
	var args []any

	if len(f.ServerIDs) > 0 {
		placeholders := make([]string, len(f.ServerIDs))
		for i, id := range f.ServerIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf("h.server_id IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.From != "" {
		where = append(where, "h.ts >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "h.ts <= ?")
		args = append(args, f.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM samples_hourly h JOIN servers s ON h.server_id = s.id %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	sortCol, ok := historySortColumns[f.SortBy]
	if !ok {
		sortCol = "h.ts"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}

	dataQuery := fmt.Sprintf(`
		SELECT h.id, h.server_id, s.name, h.ts,
		       h.cpu_pct_avg, h.cpu_pct_max,
		       h.disk_used_pct, h.disk_used_bytes, h.disk_total_bytes,
		       h.gpu_util_pct_avg, h.gpu_util_pct_max, h.gpu_mem_used_mb, h.gpu_mem_total_mb
		FROM samples_hourly h JOIN servers s ON h.server_id = s.id
		%s
		ORDER BY %s %s
		LIMIT ? OFFSET ?`, whereClause, sortCol, order)

	dataArgs := append(append([]any{}, args...), f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, dataQuery, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []wire.HourlySample
	for rows.Next() {
		var h wire.HourlySample
		if err := rows.Scan(&h.ID, &h.ServerID, &h.ServerName, &h.TS,
			&h.CPUPctAvg, &h.CPUPctMax,
			&h.DiskUsedPct, &h.DiskUsedBytes, &h.DiskTotalBytes,
			&h.GPUUtilPctAvg, &h.GPUUtilPctMax, &h.GPUMemUsedMB, &h.GPUMemTotalMB); err != nil {
			return nil, 0, err
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// SaveEvent inserts an event unless one of the same (server_id, type) was
// persisted within the last dedupWindow, in which case it returns
// (0, nil) — a null-equivalent, matching the Python predicate's
// strict ts > cutoff comparison.
func (s *Store) SaveEvent(ctx context.Context, serverID int64, eventType wire.EventType, message string) (int64, error) {
	now := time.Now().UTC()
	ts := now.Format("2006-01-02T15:04:05Z")
	cutoff := now.Add(-dedupWindow).Format("2006-01-02T15:04:05Z")

	var existing int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM events WHERE server_id = ? AND type = ? AND ts > ? LIMIT 1`,
		serverID, string(eventType), cutoff).Scan(&existing)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("check dedup: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (server_id, ts, type, message) VALUES (?, ?, ?, ?)`,
		serverID, ts, string(eventType), message)
	if err != nil {
		return 0, fmt.Errorf("save event: %w", err)
	}
	return res.LastInsertId()
}

// GetRecentEvents returns the newest `limit` events, joined with server
// name, newest first.
func (s *Store) GetRecentEvents(ctx context.Context, limit int) ([]wire.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.server_id, s.name, e.ts, e.type, e.message
		FROM events e JOIN servers s ON e.server_id = s.id
		ORDER BY e.ts DESC, e.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []wire.Event
	for rows.Next() {
		var e wire.Event
		var typ string
		if err := rows.Scan(&e.ID, &e.ServerID, &e.ServerName, &e.TS, &typ, &e.Message); err != nil {
			return nil, err
		}
		e.Type = wire.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupOldData deletes rows older than retentionDays from samples_hourly,
// service_status, and events.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02T15:04:05Z")

	for _, table := range []string{"samples_hourly", "service_status", "events"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
	}
	return nil
}
