package relay

import (
	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/internal/admission"
	"github.com/pcollings/chunkrelay/internal/chunking"
)

// ProgressRelay forwards chunking events to the admitted connections
// subscribed to the event's tracking ID. Delivery is at-most-once and
// fire-and-forget: with no attached connection the event is dropped,
// never queued. Durable progress is recoverable through the pull-based
// status read path instead.
type ProgressRelay struct {
	manager *admission.Manager
}

// NewProgressRelay creates a relay over the connection registry
func NewProgressRelay(manager *admission.Manager) *ProgressRelay {
	return &ProgressRelay{manager: manager}
}

// Notify implements chunking.Observer. Events are delivered only to
// connections whose association matches the tracking ID; there is no
// global broadcast.
func (r *ProgressRelay) Notify(event chunking.Event) {
	entries := r.manager.ConnectionsFor(event.TrackingID)
	if len(entries) == 0 {
		log.Debug().
			Str("tracking_id", event.TrackingID).
			Str("kind", string(event.Kind)).
			Msg("no subscriber attached; event dropped")
		return
	}

	for _, entry := range entries {
		if !entry.Push(event) {
			log.Warn().
				Str("tracking_id", event.TrackingID).
				Str("connection_id", entry.ConnectionID).
				Str("kind", string(event.Kind)).
				Msg("subscriber buffer full; event dropped")
		}
	}
}
