package chunking

import (
	"sync"
	"time"

	"github.com/pcollings/chunkrelay/pkg/types"
)

// EventKind names the realtime channel events
type EventKind string

const (
	EventStart     EventKind = "upload:start"
	EventProgress  EventKind = "upload:progress"
	EventPaused    EventKind = "upload:paused"
	EventComplete  EventKind = "upload:complete"
	EventError     EventKind = "upload:error"
	EventCancelled EventKind = "upload:cancelled"
)

// Event is one session lifecycle notification. Events are advisory:
// delivery is at-most-once and the persisted record is the source of
// truth for anyone who missed one.
type Event struct {
	Kind            EventKind          `json:"kind"`
	TrackingID      string             `json:"tracking_id"`
	OwnerUserID     string             `json:"-"`
	TenantID        string             `json:"-"`
	Status          types.UploadStatus `json:"status"`
	Progress        float64            `json:"progress"`
	ChunksCompleted int                `json:"chunks_completed"`
	TotalChunks     int                `json:"total_chunks"`
	Error           string             `json:"error,omitempty"`
	At              time.Time          `json:"at"`
}

// Observer receives session events. Notify must not block: slow or
// absent consumers lose events rather than stalling chunk acceptance.
type Observer interface {
	Notify(event Event)
}

// observerList is a concurrency-safe observer registry
type observerList struct {
	mu        sync.RWMutex
	observers []Observer
}

func (l *observerList) add(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *observerList) notify(event Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, o := range l.observers {
		o.Notify(event)
	}
}

func eventFor(kind EventKind, session *types.UploadSession) Event {
	return Event{
		Kind:            kind,
		TrackingID:      session.TrackingID,
		OwnerUserID:     session.OwnerUserID,
		TenantID:        session.TenantID,
		Status:          session.Status,
		Progress:        session.Progress(),
		ChunksCompleted: session.CompletedChunks.Count(),
		TotalChunks:     session.TotalChunks,
		At:              time.Now().UTC(),
	}
}
