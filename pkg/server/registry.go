package server

import (
	"sync"
)

// Registry maps session ids to the connections joined to them.
// It satisfies session.ClientIndex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[*Conn]struct{}),
	}
}

// Join adds conn to the session. Joining twice is a no-op.
func (r *Registry) Join(sessionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.sessions[sessionID]
	if !ok {
		members = make(map[*Conn]struct{})
		r.sessions[sessionID] = members
	}
	members[conn] = struct{}{}
}

// Leave removes conn from the session. The entry stays, possibly empty,
// until the reaper removes it.
func (r *Registry) Leave(sessionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.sessions[sessionID]; ok {
		delete(members, conn)
	}
}

// Broadcast queues frame on every open member of the session except sender
// and returns the number of connections it was queued on. Closed members are
// pruned. Frames reach each recipient in the order Broadcast was called.
func (r *Registry) Broadcast(sessionID string, sender *Conn, frame []byte) int {
	var closed []*Conn
	sent := 0

	r.mu.RLock()
	for conn := range r.sessions[sessionID] {
		if conn == sender {
			continue
		}
		if conn.Closed() {
			closed = append(closed, conn)
			continue
		}
		if conn.Send(frame) {
			sent++
		} else {
			closed = append(closed, conn)
		}
	}
	r.mu.RUnlock()

	if len(closed) > 0 {
		r.mu.Lock()
		if members, ok := r.sessions[sessionID]; ok {
			for _, conn := range closed {
				delete(members, conn)
			}
		}
		r.mu.Unlock()
	}
	return sent
}

// Members returns the number of connections joined to the session.
func (r *Registry) Members(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// RemoveIfEmpty drops the session's entry when it has no members and
// reports whether the session is free of connections.
func (r *Registry) RemoveIfEmpty(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.sessions[sessionID]
	if !ok {
		return true
	}
	if len(members) > 0 {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Len returns the number of session entries, empty ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
