package aggregator

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

func TestStateStoreDrainAllBuffersIsAtomicAndClears(t *testing.T) {
	s := NewStateStore()
	s.AppendBuffer(1, wire.BufferEntry{TS: "t0"})
	s.AppendBuffer(1, wire.BufferEntry{TS: "t1"})
	s.AppendBuffer(2, wire.BufferEntry{TS: "t0"})

	drained := s.DrainAllBuffers()
	want := []wire.BufferEntry{{TS: "t0"}, {TS: "t1"}}
	if diff := cmp.Diff(want, drained[1]); diff != "" {
		t.Errorf("drained[1] mismatch (-want +got):\n%s", diff)
	}
	if len(drained[2]) != 1 {
		t.Errorf("drained[2] = %v, want 1 entry", drained[2])
	}

	again := s.DrainAllBuffers()
	if len(again) != 0 {
		t.Errorf("expected empty buffers after drain, got %v", again)
	}
}

func TestStateStoreGetAllLatestReturnsIndependentCopy(t *testing.T) {
	s := NewStateStore()
	s.SetLatest(1, wire.LatestSnapshot{Online: true})

	copy1 := s.GetAllLatest()
	copy1[1] = wire.LatestSnapshot{Online: false}

	latest, _ := s.GetLatest(1)
	if !latest.Online {
		t.Error("mutating the returned copy affected internal state")
	}
}

func TestStateStoreForgetRemovesAllThreeMaps(t *testing.T) {
	s := NewStateStore()
	s.SetLatest(1, wire.LatestSnapshot{Online: true})
	s.AppendBuffer(1, wire.BufferEntry{TS: "t0"})
	s.SetPrevState(1, PrevState{Online: boolPtr(true)})

	s.Forget(1)

	if _, ok := s.GetLatest(1); ok {
		t.Error("expected latest to be forgotten")
	}
	if _, ok := s.GetPrevState(1); ok {
		t.Error("expected prev state to be forgotten")
	}
	drained := s.DrainAllBuffers()
	if len(drained[1]) != 0 {
		t.Error("expected buffer to be forgotten")
	}
}

func boolPtr(v bool) *bool { return &v }
