package agent

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// DiskCollector statfs()'s a fixed, configured list of mount points. Unlike
// the teacher's auto-discovering collector, the monitored paths are named
// explicitly in config — there is no mount-table scan here.
type DiskCollector struct {
	mounts []string
}

func NewDiskCollector(mounts []string) *DiskCollector {
	return &DiskCollector{mounts: mounts}
}

func (d *DiskCollector) Collect() []wire.Disk {
	disks := make([]wire.Disk, 0, len(d.mounts))
	for _, mount := range d.mounts {
		disk, err := statMount(mount)
		if err != nil {
			continue
		}
		disks = append(disks, disk)
	}
	return disks
}

func statMount(mount string) (wire.Disk, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return wire.Disk{}, fmt.Errorf("statfs %s: %w", mount, err)
	}

	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bfree) * int64(st.Bsize)
	used := total - free

	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}

	return wire.Disk{
		Mount:      mount,
		UsedBytes:  used,
		TotalBytes: total,
		UsedPct:    pct,
	}, nil
}
