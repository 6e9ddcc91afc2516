package aggregator

import (
	"sync"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// PrevState is the event detector's memory of a server's last known
// online/service state, used to detect transitions.
type PrevState struct {
	Online   *bool
	Services map[string]string // unit name -> active_state
}

// StateStore holds the in-memory "current" view of every monitored server:
// the latest snapshot, the buffered samples awaiting the next hourly
// rollup, and the previous state the event detector compares against.
// All operations are safe for concurrent use.
type StateStore struct {
	mu sync.Mutex

	latest map[int64]wire.LatestSnapshot
	buffer map[int64][]wire.BufferEntry
	prev   map[int64]PrevState
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{
		latest: make(map[int64]wire.LatestSnapshot),
		buffer: make(map[int64][]wire.BufferEntry),
		prev:   make(map[int64]PrevState),
	}
}

// GetLatest returns the current view for a server, if any.
func (s *StateStore) GetLatest(serverID int64) (wire.LatestSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latest[serverID]
	return v, ok
}

// SetLatest replaces the current view for a server.
func (s *StateStore) SetLatest(serverID int64, snap wire.LatestSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[serverID] = snap
}

// GetAllLatest returns a snapshot copy of every server's current view.
func (s *StateStore) GetAllLatest() map[int64]wire.LatestSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]wire.LatestSnapshot, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// AppendBuffer appends one entry to a server's pending-rollup buffer.
func (s *StateStore) AppendBuffer(serverID int64, entry wire.BufferEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[serverID] = append(s.buffer[serverID], entry)
}

// DrainAllBuffers atomically removes and returns every server's buffered
// entries, resetting each to empty. Used by the rollup engine so no
// in-flight pull can append to a buffer mid-drain.
func (s *StateStore) DrainAllBuffers() map[int64][]wire.BufferEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]wire.BufferEntry, len(s.buffer))
	for k, v := range s.buffer {
		if len(v) == 0 {
			continue
		}
		out[k] = v
	}
	s.buffer = make(map[int64][]wire.BufferEntry)
	return out
}

// GetPrevState returns the event detector's remembered prior state for a
// server, if primed.
func (s *StateStore) GetPrevState(serverID int64) (PrevState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prev[serverID]
	return v, ok
}

// SetPrevState records the event detector's new prior state for a server.
func (s *StateStore) SetPrevState(serverID int64, state PrevState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev[serverID] = state
}

// Forget removes all in-memory state for a server, used when a server is
// deleted via the control API.
func (s *StateStore) Forget(serverID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, serverID)
	delete(s.buffer, serverID)
	delete(s.prev, serverID)
}
