package agent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CPUCollector computes instantaneous CPU percent from the delta between two
// /proc/stat readings. The very first call has no prior sample to delta
// against and reports nil, matching the spec's "nullable on first-ever
// sample" contract.
type CPUCollector struct {
	proc string

	prevBusy  uint64
	prevTotal uint64
	hasPrev   bool
}

func NewCPUCollector(proc string) *CPUCollector {
	return &CPUCollector{proc: proc}
}

func (c *CPUCollector) Collect() (*float64, error) {
	f, err := os.Open(filepath.Join(c.proc, "stat"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty /proc/stat")
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return nil, fmt.Errorf("unexpected /proc/stat first line: %q", line)
	}

	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("/proc/stat cpu line too short: %d fields", len(fields))
	}

	var vals [10]uint64
	for i := 1; i < len(fields) && i <= 10; i++ {
		vals[i-1], _ = strconv.ParseUint(fields[i], 10, 64)
	}

	var total uint64
	for _, v := range vals {
		total += v
	}
	idle := vals[3] + vals[4]
	busy := total - idle

	defer func() {
		c.prevBusy, c.prevTotal, c.hasPrev = busy, total, true
	}()

	if !c.hasPrev || total < c.prevTotal || busy < c.prevBusy {
		return nil, nil
	}

	dTotal := total - c.prevTotal
	if dTotal == 0 {
		return nil, nil
	}
	dBusy := busy - c.prevBusy
	pct := float64(dBusy) / float64(dTotal) * 100
	return &pct, nil
}

// Readable reports whether /proc/stat can be opened, without touching the
// delta state Collect maintains — used by the health endpoint so a probe
// never perturbs the next real sample's baseline.
func (c *CPUCollector) Readable() error {
	f, err := os.Open(filepath.Join(c.proc, "stat"))
	if err != nil {
		return err
	}
	return f.Close()
}
