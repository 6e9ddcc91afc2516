package aggregator

import (
	"testing"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

func timeMustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func TestRollupEntriesAggregatesCPUAndLastDisk(t *testing.T) {
	entries := []wire.BufferEntry{
		{TS: "t0", CPUPct: floatPtr(10)},
		{TS: "t1", CPUPct: floatPtr(20)},
		{TS: "t2", CPUPct: floatPtr(30)},
		{TS: "t3", CPUPct: floatPtr(40)},
		{TS: "t4", CPUPct: nil},
		{
			TS: "t5", CPUPct: floatPtr(50),
			DiskUsedPct: floatPtr(63.7), DiskUsedBytes: int64Ptr(100), DiskTotalBytes: int64Ptr(200),
		},
	}

	sample := rollupEntries(1, "2026-01-01T05:00:00Z", entries)

	if sample.CPUPctAvg == nil || *sample.CPUPctAvg != 30.0 {
		t.Errorf("cpu_pct_avg = %v, want 30.0", sample.CPUPctAvg)
	}
	if sample.CPUPctMax == nil || *sample.CPUPctMax != 50.0 {
		t.Errorf("cpu_pct_max = %v, want 50.0", sample.CPUPctMax)
	}
	if sample.DiskUsedPct == nil || *sample.DiskUsedPct != 63.7 {
		t.Errorf("disk_used_pct = %v, want 63.7", sample.DiskUsedPct)
	}
	if sample.DiskUsedBytes == nil || *sample.DiskUsedBytes != 100 {
		t.Errorf("disk_used_bytes = %v, want 100", sample.DiskUsedBytes)
	}
	if sample.DiskTotalBytes == nil || *sample.DiskTotalBytes != 200 {
		t.Errorf("disk_total_bytes = %v, want 200", sample.DiskTotalBytes)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestRollupEntriesDiskTakenUnconditionallyFromLastEntry(t *testing.T) {
	// The last entry has no disk reading at all: per the data model, disk
	// fields come unconditionally from the last entry (no backward scan),
	// so the rollup row's disk fields must be nil even though an earlier
	// entry had a value.
	entries := []wire.BufferEntry{
		{TS: "t0", DiskUsedPct: floatPtr(50)},
		{TS: "t1", DiskUsedPct: nil},
	}
	sample := rollupEntries(1, "2026-01-01T05:00:00Z", entries)
	if sample.DiskUsedPct != nil {
		t.Errorf("disk_used_pct = %v, want nil (last entry has no disk reading)", *sample.DiskUsedPct)
	}
}

func TestRollupEntriesGPUMemScansBackwardForNonNil(t *testing.T) {
	entries := []wire.BufferEntry{
		{TS: "t0", GPUMemUsedMB: floatPtr(1000)},
		{TS: "t1", GPUMemUsedMB: nil},
	}
	sample := rollupEntries(1, "2026-01-01T05:00:00Z", entries)
	if sample.GPUMemUsedMB == nil || *sample.GPUMemUsedMB != 1000 {
		t.Errorf("gpu_mem_used_mb = %v, want 1000 (scanned backward past nil last entry)", sample.GPUMemUsedMB)
	}
}

func TestRollupEntriesAllNullBufferYieldsAllNilAggregates(t *testing.T) {
	sample := rollupEntries(1, "2026-01-01T05:00:00Z", []wire.BufferEntry{{TS: "t0"}})
	if sample.CPUPctAvg != nil || sample.GPUUtilPctAvg != nil {
		t.Errorf("expected nil aggregates for all-null buffer, got %+v", sample)
	}
}

func TestNextHourBoundaryAlignsToTopOfHour(t *testing.T) {
	// nextHourBoundary is called with a fixed mid-hour "now"; adding the
	// returned wait to it must land exactly on the next top of the hour.
	now := timeMustParse(t, "2026-03-05T14:27:10Z")
	d := nextHourBoundary(now)
	next := now.Add(d)
	if next.Minute() != 0 || next.Second() != 0 {
		t.Errorf("next boundary = %v, want aligned to top of hour", next)
	}
}
