// Package wire defines the JSON types exchanged between the agent and the
// aggregator, and between the aggregator and its HTTP clients.
package wire

// Disk is one mounted filesystem's usage at the time of a Snapshot.
type Disk struct {
	Mount      string  `json:"mount"`
	UsedBytes  int64   `json:"used_bytes"`
	TotalBytes int64   `json:"total_bytes"`
	UsedPct    float64 `json:"used_pct"`
}

// GPU is one accelerator card's reading at the time of a Snapshot.
type GPU struct {
	Index         int      `json:"index"`
	Name          *string  `json:"name,omitempty"`
	UtilPct       *float64 `json:"util_pct"`
	MemUsedMB     *float64 `json:"mem_used_mb"`
	MemTotalMB    *float64 `json:"mem_total_mb"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
}

// Service is the state of one systemd unit the agent was asked to watch.
type Service struct {
	Name         string `json:"name"`
	ActiveState  string `json:"active_state"`
	SubState     string `json:"sub_state"`
}

// Snapshot is a point-in-time measurement reported by one agent.
type Snapshot struct {
	NodeID   string     `json:"node_id"`
	TS       string     `json:"ts"`
	CPUPct   *float64   `json:"cpu_pct"`
	Disks    []Disk     `json:"disks"`
	GPUs     []GPU      `json:"gpus"`
	Services []Service  `json:"services"`
}

// ServiceCatalogItem describes one unit a server could be asked to watch.
type ServiceCatalogItem struct {
	Name        string  `json:"name"`
	ActiveState string  `json:"active_state"`
	Enabled     bool    `json:"enabled"`
	Description *string `json:"description,omitempty"`
}

// LatestSnapshot is the aggregator's derived "current" view of one server.
type LatestSnapshot struct {
	TS      string   `json:"ts"`
	Online  bool     `json:"online"`
	CPUPct  *float64 `json:"cpu_pct"`

	DiskUsedPct   *float64 `json:"disk_used_pct"`
	DiskUsedBytes *int64   `json:"disk_used_bytes"`
	DiskTotalBytes *int64  `json:"disk_total_bytes"`

	GPUCount      int      `json:"gpu_count"`
	GPUUtilPct    *float64 `json:"gpu_util_pct"`
	GPUUtilPctAvg *float64 `json:"gpu_util_pct_avg"`
	GPUMemUsedMB  *float64 `json:"gpu_mem_used_mb"`
	GPUMemTotalMB *float64 `json:"gpu_mem_total_mb"`
	GPUs          []GPU    `json:"gpus"`

	ServicesFailedCount int `json:"services_failed_count"`
}

// BufferEntry is the subset of a successful pull's data retained between
// hourly rollups; it carries the already-aggregated GPU util value rather
// than the raw per-card array.
type BufferEntry struct {
	TS             string
	CPUPct         *float64
	DiskUsedPct    *float64
	DiskUsedBytes  *int64
	DiskTotalBytes *int64
	GPUUtilPct     *float64
	GPUMemUsedMB   *float64
	GPUMemTotalMB  *float64
}

// HourlySample is one persisted rollup row for one server.
type HourlySample struct {
	ID             int64    `json:"id"`
	ServerID       int64    `json:"server_id"`
	ServerName     string   `json:"server_name,omitempty"`
	TS             string   `json:"ts"`
	CPUPctAvg      *float64 `json:"cpu_pct_avg"`
	CPUPctMax      *float64 `json:"cpu_pct_max"`
	DiskUsedPct    *float64 `json:"disk_used_pct"`
	DiskUsedBytes  *int64   `json:"disk_used_bytes"`
	DiskTotalBytes *int64   `json:"disk_total_bytes"`
	GPUUtilPctAvg  *float64 `json:"gpu_util_pct_avg"`
	GPUUtilPctMax  *float64 `json:"gpu_util_pct_max"`
	GPUMemUsedMB   *float64 `json:"gpu_mem_used_mb"`
	GPUMemTotalMB  *float64 `json:"gpu_mem_total_mb"`
}

// EventType enumerates the transitions the event detector can emit.
type EventType string

const (
	EventServerUp        EventType = "server_up"
	EventServerDown      EventType = "server_down"
	EventServiceFailed   EventType = "service_failed"
	EventServiceRecovered EventType = "service_recovered"
)

// Event is a persisted state-transition record.
type Event struct {
	ID         int64     `json:"id"`
	ServerID   int64     `json:"server_id"`
	ServerName string    `json:"server_name,omitempty"`
	TS         string    `json:"ts"`
	Type       EventType `json:"type"`
	Message    string    `json:"message"`
}

// ProxyConfig is the embedded tunnel configuration for a server.
type ProxyConfig struct {
	Enabled               bool   `json:"enabled"`
	AutoStart             bool   `json:"auto_start"`
	ServerListenPort      int    `json:"server_listen_port"`
	CenterProxyPort       int    `json:"center_proxy_port"`
	CenterSSHHost         string `json:"center_ssh_host"`
	CenterSSHPort         int    `json:"center_ssh_port"`
	CenterSSHUser         string `json:"center_ssh_user"`
	IdentityFile          string `json:"identity_file"`
	StrictHostKeyChecking bool   `json:"strict_host_key_checking"`
}

// TunnelStatus reports the SSH supervisor's current state machine position.
type TunnelStatus struct {
	Status         string  `json:"status"`
	PID            *int    `json:"pid,omitempty"`
	ListenPort     *int    `json:"listen_port,omitempty"`
	Target         *string `json:"target,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	ConnectedSince *string `json:"connected_since,omitempty"`
	RetryCount     int     `json:"retry_count"`
}

// Server is the persisted identity and configuration of a monitored host.
type Server struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Host        string       `json:"host"`
	AgentPort   int          `json:"agent_port"`
	Token       string       `json:"token,omitempty"`
	Enabled     bool         `json:"enabled"`
	Services    []string     `json:"services"`
	ProxyConfig *ProxyConfig `json:"proxy_config,omitempty"`
	LastSeenAt  *string      `json:"last_seen_at"`
	CreatedAt   string       `json:"created_at"`
	Online      bool         `json:"online"`
	Latest      *LatestSnapshot `json:"latest,omitempty"`
}
