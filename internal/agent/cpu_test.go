package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStat(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCPUCollectorFirstSampleIsNil(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpu  100 0 50 850 0 0 0 0 0 0\n")

	c := NewCPUCollector(dir)
	pct, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if pct != nil {
		t.Errorf("first sample = %v, want nil", *pct)
	}
}

func TestCPUCollectorDelta(t *testing.T) {
	dir := t.TempDir()
	c := NewCPUCollector(dir)

	// total=1000, busy=150
	writeStat(t, dir, "cpu  100 0 50 850 0 0 0 0 0 0\n")
	if _, err := c.Collect(); err != nil {
		t.Fatal(err)
	}

	// total=2000, busy=300 -> dTotal=1000, dBusy=150 -> 15%
	writeStat(t, dir, "cpu  200 0 100 1700 0 0 0 0 0 0\n")
	pct, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if pct == nil || *pct != 15 {
		t.Fatalf("pct = %v, want 15", pct)
	}
}

func TestCPUCollectorNoDeltaYieldsNil(t *testing.T) {
	dir := t.TempDir()
	c := NewCPUCollector(dir)

	writeStat(t, dir, "cpu  100 0 50 850 0 0 0 0 0 0\n")
	if _, err := c.Collect(); err != nil {
		t.Fatal(err)
	}
	// Identical reading: dTotal = 0.
	pct, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if pct != nil {
		t.Errorf("pct = %v, want nil on zero delta", *pct)
	}
}
