package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// SnapshotBuilder runs all scrapers concurrently to produce one Snapshot.
// A failing scraper contributes a null/empty substructure rather than
// failing the whole snapshot — mirroring the Python agent's
// return_exceptions-style fan-out.
type SnapshotBuilder struct {
	nodeID   string
	cpu      *CPUCollector
	disk     *DiskCollector
	gpu      *GPUCollector
	services *ServiceCollector
}

func NewSnapshotBuilder(nodeID string, cpu *CPUCollector, disk *DiskCollector, gpu *GPUCollector, services *ServiceCollector) *SnapshotBuilder {
	return &SnapshotBuilder{nodeID: nodeID, cpu: cpu, disk: disk, gpu: gpu, services: services}
}

func (b *SnapshotBuilder) Build(ctx context.Context) wire.Snapshot {
	var (
		wg       sync.WaitGroup
		cpuPct   *float64
		disks    []wire.Disk
		gpus     []wire.GPU
		services []wire.Service
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		v, _ := b.cpu.Collect()
		cpuPct = v
	}()
	go func() {
		defer wg.Done()
		disks = b.disk.Collect()
	}()
	go func() {
		defer wg.Done()
		gpus = b.gpu.Collect(ctx)
	}()
	go func() {
		defer wg.Done()
		services = b.services.Collect(ctx)
	}()
	wg.Wait()

	if disks == nil {
		disks = []wire.Disk{}
	}

	return wire.Snapshot{
		NodeID:   b.nodeID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		CPUPct:   cpuPct,
		Disks:    disks,
		GPUs:     gpus,
		Services: services,
	}
}

// HealthCheck is one scraper's probe result.
type HealthCheck struct {
	Status string  `json:"status"`
	Detail *string `json:"detail,omitempty"`
}

// Health probes each scraper independently, the way the Python agent's
// health endpoint tests cpu/disk/gpu/systemd collection before reporting
// overall status. A probe failing degrades the overall status but never
// fails the request.
func (b *SnapshotBuilder) Health(ctx context.Context) (overall string, checks map[string]HealthCheck) {
	checks = make(map[string]HealthCheck, 4)
	overall = "ok"

	if err := b.cpu.Readable(); err != nil {
		checks["cpu"] = HealthCheck{Status: "error", Detail: strPtr(err.Error())}
		overall = "degraded"
	} else {
		checks["cpu"] = HealthCheck{Status: "ok"}
	}

	switch disks := b.disk.Collect(); {
	case len(b.disk.mounts) == 0:
		checks["disk"] = HealthCheck{Status: "ok", Detail: strPtr("no disks configured")}
	case len(disks) == 0:
		checks["disk"] = HealthCheck{Status: "degraded", Detail: strPtr("no disk data available")}
		overall = "degraded"
	default:
		checks["disk"] = HealthCheck{Status: "ok"}
	}

	if b.gpu.mode == "off" {
		checks["gpu"] = HealthCheck{Status: "disabled", Detail: strPtr("gpu monitoring disabled in config")}
	} else if gpus := b.gpu.Collect(ctx); len(gpus) == 0 {
		checks["gpu"] = HealthCheck{Status: "degraded", Detail: strPtr("gpu not available or driver not installed")}
		overall = "degraded"
	} else {
		checks["gpu"] = HealthCheck{Status: "ok", Detail: strPtr(fmt.Sprintf("nvidia driver available, %d gpu(s) detected", len(gpus)))}
	}

	switch {
	case len(b.services.units) == 0:
		checks["systemd"] = HealthCheck{Status: "ok", Detail: strPtr("no services configured")}
	default:
		svc := queryUnit(ctx, b.services.units[0])
		if svc.ActiveState == "unknown" {
			checks["systemd"] = HealthCheck{Status: "error", Detail: strPtr("systemctl query failed")}
			overall = "degraded"
		} else {
			checks["systemd"] = HealthCheck{Status: "ok"}
		}
	}

	return overall, checks
}

func strPtr(s string) *string { return &s }
