package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// EventDetector compares each pull outcome against the server's remembered
// prior state and persists the resulting transition events, if any.
type EventDetector struct {
	state *StateStore
	store *Store
}

// NewEventDetector creates an EventDetector backed by the given state store
// and persistence layer.
func NewEventDetector(state *StateStore, store *Store) *EventDetector {
	return &EventDetector{state: state, store: store}
}

// PrimeServer seeds a server's prior state to "unknown" so its first
// detection pass never manufactures a spurious server_down/up event. Call
// once per enabled server at aggregator startup.
func (d *EventDetector) PrimeServer(serverID int64) {
	d.state.SetPrevState(serverID, PrevState{Online: nil, Services: map[string]string{}})
}

// Detect runs the transition table against the server's current online
// status and per-service active states, persisting any resulting events,
// then replaces the server's prior state with the current one.
func (d *EventDetector) Detect(ctx context.Context, serverID int64, currentOnline bool, services []wire.Service) {
	prev, ok := d.state.GetPrevState(serverID)
	if !ok {
		prev = PrevState{Online: nil, Services: map[string]string{}}
	}

	if prev.Online != nil {
		switch {
		case *prev.Online && !currentOnline:
			d.persist(ctx, serverID, wire.EventServerDown, "server went offline")
		case !*prev.Online && currentOnline:
			d.persist(ctx, serverID, wire.EventServerUp, "server came back online")
		}
	}

	currentServices := make(map[string]string, len(services))
	for _, svc := range services {
		currentServices[svc.Name] = svc.ActiveState

		priorState, known := prev.Services[svc.Name]
		if !known {
			continue
		}
		switch {
		case priorState == "active" && svc.ActiveState == "failed":
			d.persist(ctx, serverID, wire.EventServiceFailed, fmt.Sprintf("service %s failed", svc.Name))
		case priorState == "failed" && svc.ActiveState == "active":
			d.persist(ctx, serverID, wire.EventServiceRecovered, fmt.Sprintf("service %s recovered", svc.Name))
		}
	}

	online := currentOnline
	d.state.SetPrevState(serverID, PrevState{Online: &online, Services: currentServices})
}

func (d *EventDetector) persist(ctx context.Context, serverID int64, eventType wire.EventType, message string) {
	id, err := d.store.SaveEvent(ctx, serverID, eventType, message)
	if err != nil {
		slog.Error("save event failed", "server_id", serverID, "type", eventType, "error", err)
		return
	}
	if id == 0 {
		return // deduped within the 60s window
	}
	slog.Info("event recorded", "server_id", serverID, "type", eventType)
}
