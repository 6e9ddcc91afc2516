package agent

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

const gpuScrapeTimeout = 3 * time.Second

// GPUCollector shells out to nvidia-smi. A missing binary or non-zero exit
// is not an error: hosts without a GPU simply report an empty list.
type GPUCollector struct {
	mode string // auto|off|nvidia
}

func NewGPUCollector(mode string) *GPUCollector {
	return &GPUCollector{mode: mode}
}

func (g *GPUCollector) Collect(ctx context.Context) []wire.GPU {
	if g.mode == "off" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, gpuScrapeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(output string) []wire.GPU {
	var gpus []wire.GPU
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		util, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			continue
		}
		memUsed, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			continue
		}
		memTotal, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			continue
		}
		gpus = append(gpus, wire.GPU{
			Index:      idx,
			UtilPct:    &util,
			MemUsedMB:  &memUsed,
			MemTotalMB: &memTotal,
		})
	}
	return gpus
}
