package agent

import (
	"context"
	"testing"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := "0, 45, 3000, 12288\n1, 90, 6000, 8192\n2, 20, 16000, 40960\n"

	gpus := parseNvidiaSMI(out)
	if len(gpus) != 3 {
		t.Fatalf("len(gpus) = %d, want 3", len(gpus))
	}
	if gpus[1].Index != 1 || *gpus[1].UtilPct != 90 {
		t.Errorf("gpus[1] = %+v, want index=1 util=90", gpus[1])
	}
	if *gpus[2].MemTotalMB != 40960 {
		t.Errorf("gpus[2].MemTotalMB = %v, want 40960", *gpus[2].MemTotalMB)
	}
}

func TestParseNvidiaSMISkipsMalformedLines(t *testing.T) {
	out := "0, 45, 3000, 12288\nnot,a,valid,line,at,all\n1, not-a-number, 6000, 8192\n"

	gpus := parseNvidiaSMI(out)
	if len(gpus) != 1 {
		t.Fatalf("len(gpus) = %d, want 1, got %+v", len(gpus), gpus)
	}
}

func TestParseNvidiaSMIEmpty(t *testing.T) {
	if gpus := parseNvidiaSMI(""); gpus != nil {
		t.Errorf("parseNvidiaSMI(\"\") = %+v, want nil", gpus)
	}
}

func TestGPUCollectorOffMode(t *testing.T) {
	c := NewGPUCollector("off")
	if gpus := c.Collect(context.Background()); gpus != nil {
		t.Errorf("off mode returned %+v, want nil", gpus)
	}
}
