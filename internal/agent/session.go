package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"synapse/internal/logging"
	"synapse/internal/store"
)

// SessionRegistry maps session ids to graph cursors. A cold miss consults
// the project graph and restores the most recent node tagged with the
// session; an unknown session starts with an empty cursor.
//
// Each session also carries a single-slot semaphore: only one request per
// session is in flight, later requests queue behind it.
type SessionRegistry struct {
	mu      sync.Mutex
	cursors map[string]string
	slots   map[string]*semaphore.Weighted
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		cursors: make(map[string]string),
		slots:   make(map[string]*semaphore.Weighted),
	}
}

// Cursor returns the current cursor for a session, restoring it from the
// durable graph on a cold miss.
func (r *SessionRegistry) Cursor(graph *store.PointerGraph, sessionID string) string {
	r.mu.Lock()
	if cursor, ok := r.cursors[sessionID]; ok {
		r.mu.Unlock()
		return cursor
	}
	r.mu.Unlock()

	cursor := restoreCursor(graph, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another request may have raced the restore; first write wins.
	if existing, ok := r.cursors[sessionID]; ok {
		return existing
	}
	r.cursors[sessionID] = cursor
	return cursor
}

// restoreCursor selects the session's node with the maximum timestamp.
func restoreCursor(graph *store.PointerGraph, sessionID string) string {
	nodes := graph.QueryByMetadata("session_id", sessionID)
	if len(nodes) == 0 {
		return ""
	}
	latest := nodes[0]
	for _, n := range nodes[1:] {
		if n.Timestamp > latest.Timestamp {
			latest = n
		}
	}
	logging.Session("restored session '%s' cursor to node %s", sessionID, latest.ID)
	return latest.ID
}

// SetCursor records the cursor at the end of a request.
func (r *SessionRegistry) SetCursor(sessionID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[sessionID] = nodeID
}

// Acquire blocks until the session's single request slot is free.
// The returned release function must be called when the request ends.
func (r *SessionRegistry) Acquire(ctx context.Context, sessionID string) (release func(), err error) {
	r.mu.Lock()
	slot, ok := r.slots[sessionID]
	if !ok {
		slot = semaphore.NewWeighted(1)
		r.slots[sessionID] = slot
	}
	r.mu.Unlock()

	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { slot.Release(1) }, nil
}
