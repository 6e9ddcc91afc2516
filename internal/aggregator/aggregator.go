package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Aggregator wires together the persistence layer, state store, pull
// scheduler, event detector, rollup engine, retention cleaner, and HTTP
// surface, and owns their lifecycle.
type Aggregator struct {
	mu         sync.Mutex
	cfg        *Config
	configPath string
	logLevel   *slog.LevelVar
	store      *Store
	state      *StateStore

	scheduler *Scheduler
	rollup    *RollupEngine
	retention *RetentionCleaner
	http      *HTTPServer
	httpSrv   *http.Server

	wg sync.WaitGroup
}

// New creates an Aggregator from the given config, opening the persistence
// layer (and acquiring its single-instance lock) in the process. configPath
// is kept for SIGHUP reloads.
func New(cfg *Config, configPath string) (*Aggregator, error) {
	store, err := OpenStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	state := NewStateStore()
	events := NewEventDetector(state, store)
	scheduler := NewScheduler(store, state, events, cfg.Collector.Interval.Duration, cfg.Collector.Timeout.Duration)
	rollup := NewRollupEngine(store, state)
	retention := NewRetentionCleaner(store, cfg.Retention.Days, cfg.Retention.CleanupHour)

	proxyClient := NewProxyClient(cfg.Collector.Timeout.Duration)
	httpSrv := NewHTTPServer(store, state, proxyClient, cfg.API.AdminToken, cfg.DevModeBypass(), cfg.API.CORSOrigins)

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLogLevel(cfg.LogLevel))

	return &Aggregator{
		cfg:        cfg,
		configPath: configPath,
		logLevel:   levelVar,
		store:      store,
		state:      state,
		scheduler:  scheduler,
		rollup:     rollup,
		retention:  retention,
		http:       httpSrv,
	}, nil
}

// LogLevelVar exposes the aggregator's dynamic log level so main can build
// the default logger's handler around it before the aggregator starts.
func (a *Aggregator) LogLevelVar() *slog.LevelVar {
	return a.logLevel
}

// Reload re-reads the config file from disk and applies the mutable
// subset (log level, pull interval, retention days) without restarting the
// process. Everything else (database path, API port, rollup schedule, ...)
// requires a restart.
func (a *Aggregator) Reload() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	a.mu.Lock()
	a.cfg.LogLevel = cfg.LogLevel
	a.cfg.Collector.Interval = cfg.Collector.Interval
	a.cfg.Retention.Days = cfg.Retention.Days
	a.mu.Unlock()

	a.logLevel.Set(parseLogLevel(cfg.LogLevel))
	a.scheduler.SetInterval(cfg.Collector.Interval.Duration)
	a.retention.SetRetentionDays(cfg.Retention.Days)

	slog.Info("config reloaded",
		"log_level", cfg.LogLevel,
		"collector_interval", cfg.Collector.Interval.Duration,
		"retention_days", cfg.Retention.Days,
	)
	return nil
}

// Run starts the pull scheduler, rollup engine, retention cleaner, and HTTP
// server, and blocks until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	slog.Info("aggregator starting",
		"database", a.cfg.Database.Path,
		"listen", net.JoinHostPort(a.cfg.API.Host, strconv.Itoa(a.cfg.API.Port)),
		"interval", a.cfg.Collector.Interval.Duration,
	)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	a.wg.Add(3)
	go func() { defer a.wg.Done(); a.scheduler.Run(loopCtx) }()
	go func() { defer a.wg.Done(); a.rollup.Run(loopCtx) }()
	go func() { defer a.wg.Done(); a.retention.Run(loopCtx) }()

	a.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(a.cfg.API.Host, strconv.Itoa(a.cfg.API.Port)),
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
		return a.shutdown(cancelLoops)
	case err := <-errCh:
		cancelLoops()
		a.wg.Wait()
		a.store.Close()
		return err
	}
}

// shutdown tears down in order: stop accepting HTTP requests, cancel the
// scheduler/rollup/retention loops and wait for each to finish its current
// atomic step and exit, then close the store last so no in-flight query
// runs against a closed *sql.DB.
func (a *Aggregator) shutdown(cancelLoops context.CancelFunc) error {
	slog.Info("aggregator shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	cancelLoops()
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		slog.Error("store close", "error", err)
	}

	slog.Info("aggregator stopped")
	return nil
}
