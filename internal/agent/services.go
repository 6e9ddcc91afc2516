package agent

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

const serviceScrapeTimeout = 2 * time.Second

// ServiceCollector queries systemd unit states via systemctl argv invocations
// (never through a shell, so a unit name cannot inject flags).
type ServiceCollector struct {
	units []string
}

func NewServiceCollector(units []string) *ServiceCollector {
	return &ServiceCollector{units: units}
}

// Collect queries every configured unit concurrently; a failing unit query
// is reported as active_state "unknown" rather than dropped.
func (s *ServiceCollector) Collect(ctx context.Context) []wire.Service {
	if len(s.units) == 0 {
		return nil
	}

	out := make([]wire.Service, len(s.units))
	var wg sync.WaitGroup
	for i, unit := range s.units {
		wg.Add(1)
		go func(i int, unit string) {
			defer wg.Done()
			out[i] = queryUnit(ctx, unit)
		}(i, unit)
	}
	wg.Wait()
	return out
}

func queryUnit(ctx context.Context, unit string) wire.Service {
	ctx, cancel := context.WithTimeout(ctx, serviceScrapeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "systemctl", "show", unit, "--property=ActiveState,SubState")
	out, err := cmd.Output()
	if err != nil {
		return wire.Service{Name: unit, ActiveState: "unknown", SubState: "unknown"}
	}

	activeState, subState := "unknown", "unknown"
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			activeState = value
		case "SubState":
			subState = value
		}
	}
	return wire.Service{Name: unit, ActiveState: activeState, SubState: subState}
}

// Catalog discovers every service unit known to systemd, used by the
// aggregator's service-discovery affordance.
func Catalog(ctx context.Context) []wire.ServiceCatalogItem {
	ctx, cancel := context.WithTimeout(ctx, serviceScrapeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "systemctl", "list-units", "--type=service", "--all", "--no-pager", "--no-legend")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var items []wire.ServiceCatalogItem
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := fields[0]
		activeState := fields[2]
		var desc *string
		if len(fields) > 4 {
			d := strings.Join(fields[4:], " ")
			desc = &d
		}
		items = append(items, wire.ServiceCatalogItem{
			Name:        name,
			ActiveState: activeState,
			Enabled:     isEnabled(ctx, name),
			Description: desc,
		})
	}
	return items
}

func isEnabled(ctx context.Context, unit string) bool {
	cmd := exec.CommandContext(ctx, "systemctl", "is-enabled", unit)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "enabled"
}
