package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// Scheduler is the pull loop: every interval, it fans a concurrent HTTP GET
// out to each enabled server's agent, folding results into the state store
// and handing outcomes to the event detector.
type Scheduler struct {
	store    *Store
	state    *StateStore
	events   *EventDetector
	interval atomic.Int64 // nanoseconds; reloadable via SetInterval
	timeout  time.Duration

	client *http.Client
}

// NewScheduler creates a Scheduler with the given tick interval and
// per-fetch timeout.
func NewScheduler(store *Store, state *StateStore, events *EventDetector, interval, timeout time.Duration) *Scheduler {
	s := &Scheduler{
		store:   store,
		state:   state,
		events:  events,
		timeout: timeout,
		client:  &http.Client{},
	}
	s.interval.Store(int64(interval))
	return s
}

// SetInterval changes the tick interval for the next iteration onward;
// applied on config reload.
func (s *Scheduler) SetInterval(interval time.Duration) {
	s.interval.Store(int64(interval))
}

// Run primes prior state for every currently-enabled server, then ticks
// forever until ctx is cancelled. Ticks never overlap: a tick that runs
// long delays the next one rather than double-firing against any server.
func (s *Scheduler) Run(ctx context.Context) {
	s.primeAll(ctx)

	for {
		start := time.Now()
		s.tick(ctx)
		elapsed := time.Since(start)

		sleep := time.Duration(s.interval.Load()) - elapsed
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Scheduler) primeAll(ctx context.Context) {
	servers, err := s.store.ListEnabledServers(ctx)
	if err != nil {
		slog.Error("prime: list enabled servers failed", "error", err)
		return
	}
	for _, srv := range servers {
		s.events.PrimeServer(srv.ID)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	servers, err := s.store.ListEnabledServers(ctx)
	if err != nil {
		slog.Error("tick: list enabled servers failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv wire.Server) {
			defer wg.Done()
			s.pullOne(ctx, srv)
		}(srv)
	}
	wg.Wait()
}

func (s *Scheduler) pullOne(ctx context.Context, srv wire.Server) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap, err := s.fetchSnapshot(fetchCtx, srv)
	if err != nil {
		s.handleFailure(ctx, srv)
		return
	}
	s.handleSuccess(ctx, srv, snap)
}

func (s *Scheduler) fetchSnapshot(ctx context.Context, srv wire.Server) (*wire.Snapshot, error) {
	url := fmt.Sprintf("http://%s:%d/v1/snapshot", srv.Host, srv.AgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+srv.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var snap wire.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Scheduler) handleSuccess(ctx context.Context, srv wire.Server, snap *wire.Snapshot) {
	latest := deriveLatestSnapshot(snap)
	s.state.SetLatest(srv.ID, latest)
	s.state.AppendBuffer(srv.ID, bufferEntryFromLatest(snap.TS, latest))

	if err := s.store.UpdateLastSeen(ctx, srv.ID, snap.TS); err != nil {
		slog.Error("update last_seen failed", "server_id", srv.ID, "error", err)
	}

	s.events.Detect(ctx, srv.ID, true, snap.Services)
}

func (s *Scheduler) handleFailure(ctx context.Context, srv wire.Server) {
	prior, ok := s.state.GetLatest(srv.ID)
	var sticky wire.LatestSnapshot
	if ok {
		sticky = prior
		sticky.Online = false
	} else {
		sticky = wire.LatestSnapshot{
			TS:     time.Now().UTC().Format(time.RFC3339),
			Online: false,
		}
	}
	s.state.SetLatest(srv.ID, sticky)

	s.events.Detect(ctx, srv.ID, false, nil)
}

// deriveLatestSnapshot computes the aggregator's derived view from a raw
// Snapshot, applying the GPU aggregation rules from the data model: max
// and mean over util, sum over memory, ignoring cards missing that field.
func deriveLatestSnapshot(snap *wire.Snapshot) wire.LatestSnapshot {
	latest := wire.LatestSnapshot{
		TS:     snap.TS,
		Online: true,
		CPUPct: snap.CPUPct,
		GPUs:   snap.GPUs,
	}

	if len(snap.Disks) > 0 {
		d := snap.Disks[0]
		used := d.UsedBytes
		total := d.TotalBytes
		pct := d.UsedPct
		latest.DiskUsedPct = &pct
		latest.DiskUsedBytes = &used
		latest.DiskTotalBytes = &total
	}

	if snap.GPUs != nil {
		latest.GPUCount = len(snap.GPUs)
		var utilSum, utilMax float64
		var utilN int
		var memUsedSum, memTotalSum float64
		var memUsedN, memTotalN int

		for _, g := range snap.GPUs {
			if g.UtilPct != nil {
				if utilN == 0 || *g.UtilPct > utilMax {
					utilMax = *g.UtilPct
				}
				utilSum += *g.UtilPct
				utilN++
			}
			if g.MemUsedMB != nil {
				memUsedSum += *g.MemUsedMB
				memUsedN++
			}
			if g.MemTotalMB != nil {
				memTotalSum += *g.MemTotalMB
				memTotalN++
			}
		}

		if utilN > 0 {
			avg := utilSum / float64(utilN)
			latest.GPUUtilPct = &utilMax
			latest.GPUUtilPctAvg = &avg
		}
		if memUsedN > 0 {
			latest.GPUMemUsedMB = &memUsedSum
		}
		if memTotalN > 0 {
			latest.GPUMemTotalMB = &memTotalSum
		}
	}

	for _, svc := range snap.Services {
		if svc.ActiveState == "failed" {
			latest.ServicesFailedCount++
		}
	}

	return latest
}

func bufferEntryFromLatest(ts string, latest wire.LatestSnapshot) wire.BufferEntry {
	return wire.BufferEntry{
		TS:             ts,
		CPUPct:         latest.CPUPct,
		DiskUsedPct:    latest.DiskUsedPct,
		DiskUsedBytes:  latest.DiskUsedBytes,
		DiskTotalBytes: latest.DiskTotalBytes,
		GPUUtilPct:     latest.GPUUtilPct,
		GPUMemUsedMB:   latest.GPUMemUsedMB,
		GPUMemTotalMB:  latest.GPUMemTotalMB,
	}
}
