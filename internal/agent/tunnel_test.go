package agent

import (
	"testing"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

func TestBackoffForDoublesUpToCap(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.retry); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

func TestBackoffForStaysWithinBounds(t *testing.T) {
	for retry := 0; retry < 20; retry++ {
		d := backoffFor(retry)
		if d < 1*time.Second || d > 60*time.Second {
			t.Errorf("backoffFor(%d) = %v, out of [1s,60s]", retry, d)
		}
	}
}

func TestTunnelSupervisorStartRequiresConfig(t *testing.T) {
	ts := NewTunnelSupervisor()
	if err := ts.Start(nil); err == nil {
		t.Fatal("expected error starting without config")
	}
	if status := ts.Status(); status.Status != "disabled" {
		t.Errorf("status = %q, want disabled", status.Status)
	}
}

func TestBuildSSHArgsDefaultsToInsecureHostKeyChecking(t *testing.T) {
	cfg := &wire.ProxyConfig{
		Enabled:          true,
		ServerListenPort: 9200,
		CenterProxyPort:  9300,
		CenterSSHHost:    "center.internal",
		CenterSSHPort:    22,
		CenterSSHUser:    "tunnel",
		IdentityFile:     "/etc/gpu-monitor/id_ed25519",
	}
	args := buildSSHArgs(cfg)

	found := false
	for i, a := range args {
		if a == "StrictHostKeyChecking=no" && args[i-1] == "-o" {
			found = true
		}
	}
	if !found {
		t.Errorf("args = %v, want StrictHostKeyChecking=no when not configured strict", args)
	}
}
