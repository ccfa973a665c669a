package mcp

import "sync"

// SessionRegistry maps node IDs to the MCP session that last started a run
// of that node. Populated by node.run.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // nodeID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a node ID with a session ID, replacing any earlier
// session for that node.
func (r *SessionRegistry) Register(nodeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[nodeID] = sessionID
}

// SessionFor returns the session ID watching the given node.
func (r *SessionRegistry) SessionFor(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[nodeID]
	return sid, ok
}

// Forget drops the mapping for one node.
func (r *SessionRegistry) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nodeID)
}

// Remove deletes all node mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for nid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, nid)
		}
	}
}
