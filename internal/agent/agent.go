package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Agent wires together the scrapers, the tunnel supervisor, and the HTTP
// surface, and owns their lifecycle.
type Agent struct {
	mu         sync.Mutex
	cfg        *Config
	configPath string
	logLevel   *slog.LevelVar

	tunnel  *TunnelSupervisor
	http    *Server
	httpSrv *http.Server
}

// New creates an Agent from the given config. configPath is kept for
// SIGHUP reloads.
func New(cfg *Config, configPath string) (*Agent, error) {
	cpu := NewCPUCollector(cfg.Host.Proc)
	disk := NewDiskCollector(cfg.Disks)
	gpu := NewGPUCollector(cfg.GPU)
	services := NewServiceCollector(cfg.ServicesAllowlist)
	builder := NewSnapshotBuilder(cfg.NodeID, cpu, disk, gpu, services)

	tunnel := NewTunnelSupervisor()
	tunnel.Configure(cfg.Proxy)

	srv := NewServer(cfg.Token, builder, tunnel)

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLogLevel(cfg.LogLevel))

	return &Agent{
		cfg:        cfg,
		configPath: configPath,
		logLevel:   levelVar,
		tunnel:     tunnel,
		http:       srv,
	}, nil
}

// LogLevelVar exposes the agent's dynamic log level so main can build the
// default logger's handler around it before the agent starts.
func (a *Agent) LogLevelVar() *slog.LevelVar {
	return a.logLevel
}

// Reload re-reads the config file from disk and applies the mutable
// subset (log level) without restarting the process. Everything else in
// Config (listen address, disks, proxy wiring, ...) requires a restart.
func (a *Agent) Reload() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	a.mu.Lock()
	a.cfg.LogLevel = cfg.LogLevel
	a.mu.Unlock()

	a.logLevel.Set(parseLogLevel(cfg.LogLevel))
	slog.Info("config reloaded", "log_level", cfg.LogLevel)
	return nil
}

// Run starts the HTTP surface (and the tunnel, if auto_start is configured)
// and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent starting", "node_id", a.cfg.NodeID, "listen", a.cfg.Listen)

	if a.cfg.Proxy != nil && a.cfg.Proxy.Enabled && a.cfg.Proxy.AutoStart {
		if err := a.tunnel.Start(nil); err != nil {
			slog.Warn("tunnel auto-start failed", "error", err)
		}
	}

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Listen,
		Handler: a.http.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *Agent) shutdown() error {
	slog.Info("agent shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	a.tunnel.Stop()

	slog.Info("agent stopped")
	return nil
}
