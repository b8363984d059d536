package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/internal/chunking"
	"github.com/pcollings/chunkrelay/pkg/apperrors"
	"github.com/pcollings/chunkrelay/pkg/config"
	"github.com/pcollings/chunkrelay/pkg/types"
)

// ConnectionEntry is one admitted realtime channel. Entries are
// process-local; a reconnect after a process restart is a fresh
// admission, which the resume protocol makes sufficient.
type ConnectionEntry struct {
	ConnectionID string
	UserID       string
	TenantID     string
	Tier         types.Tier
	CreatedAt    time.Time

	mu         sync.RWMutex
	trackingID string
	send       chan chunking.Event
	closed     bool
}

// TrackingID returns the session this connection is subscribed to, or
// empty if none has been associated yet
func (e *ConnectionEntry) TrackingID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trackingID
}

// Events is the channel the transport drains to deliver events
func (e *ConnectionEntry) Events() <-chan chunking.Event {
	return e.send
}

// Push offers an event without blocking; a full buffer drops the event
func (e *ConnectionEntry) Push(event chunking.Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.send <- event:
		return true
	default:
		return false
	}
}

// Manager admits, tracks and evicts realtime connections, enforcing the
// per-tier concurrency ceiling per user. It is the only component that
// mutates the connection registry.
type Manager struct {
	cfg *config.UploadConfig

	mu     sync.RWMutex
	byConn map[string]*ConnectionEntry
	byUser map[string]map[string]*ConnectionEntry
}

// NewManager creates a new admission manager
func NewManager(cfg *config.UploadConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		byConn: make(map[string]*ConnectionEntry),
		byUser: make(map[string]map[string]*ConnectionEntry),
	}
}

// HandleConnection admits or rejects a candidate channel. Rejection is
// an admission-control decision, not a queue: an attempt over the
// tier's ceiling fails immediately.
func (m *Manager) HandleConnection(ident types.Identity) (*ConnectionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ceiling := m.cfg.CeilingFor(string(ident.Tier))
	if len(m.byUser[ident.UserID]) >= ceiling {
		log.Warn().
			Str("user_id", ident.UserID).
			Str("tier", string(ident.Tier)).
			Int("ceiling", ceiling).
			Msg("connection rejected: tier ceiling reached")
		return nil, apperrors.ConnectionLimit(string(ident.Tier), ceiling)
	}

	entry := &ConnectionEntry{
		ConnectionID: uuid.New().String(),
		UserID:       ident.UserID,
		TenantID:     ident.TenantID,
		Tier:         ident.Tier,
		CreatedAt:    time.Now().UTC(),
		send:         make(chan chunking.Event, m.eventBuffer()),
	}

	m.byConn[entry.ConnectionID] = entry
	if m.byUser[ident.UserID] == nil {
		m.byUser[ident.UserID] = make(map[string]*ConnectionEntry)
	}
	m.byUser[ident.UserID][entry.ConnectionID] = entry

	log.Info().
		Str("connection_id", entry.ConnectionID).
		Str("user_id", ident.UserID).
		Str("tier", string(ident.Tier)).
		Msg("realtime connection admitted")

	return entry, nil
}

// Associate binds an admitted connection to a tracking ID so relayed
// events can be targeted at it
func (m *Manager) Associate(connectionID, trackingID string) error {
	m.mu.RLock()
	entry, ok := m.byConn[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown connection: %s", connectionID)
	}

	entry.mu.Lock()
	entry.trackingID = trackingID
	entry.mu.Unlock()

	log.Debug().
		Str("connection_id", connectionID).
		Str("tracking_id", trackingID).
		Msg("connection associated with upload")
	return nil
}

// HandleDisconnection removes a connection from the registry. A
// mid-upload disconnect leaves the session as-is; it simply stops
// receiving relayed progress until a new connection reattaches.
func (m *Manager) HandleDisconnection(connectionID string) {
	m.mu.Lock()
	entry, ok := m.byConn[connectionID]
	if ok {
		delete(m.byConn, connectionID)
		if conns := m.byUser[entry.UserID]; conns != nil {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(m.byUser, entry.UserID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	if !entry.closed {
		entry.closed = true
		close(entry.send)
	}
	entry.mu.Unlock()

	log.Info().
		Str("connection_id", connectionID).
		Str("user_id", entry.UserID).
		Msg("realtime connection closed")
}

// ConnectionsFor returns the admitted connections subscribed to a
// tracking ID
func (m *Manager) ConnectionsFor(trackingID string) []*ConnectionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*ConnectionEntry
	for _, entry := range m.byConn {
		if entry.TrackingID() == trackingID {
			entries = append(entries, entry)
		}
	}
	return entries
}

// CountForUser returns this process's live connection count for a user
func (m *Manager) CountForUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *Manager) eventBuffer() int {
	if m.cfg.EventBuffer > 0 {
		return m.cfg.EventBuffer
	}
	return 16
}
