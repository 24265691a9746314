package hub

// Stats is the introspection snapshot served by the HTTP surface.
type Stats struct {
	Connections    int `json:"connections"`
	Dashboards     int `json:"dashboards"`
	ActiveSpeakers int `json:"activeSpeakers"`
}

// Stats counts the hub's live state.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections:    len(h.clients),
		Dashboards:     len(h.dashboards),
		ActiveSpeakers: len(h.watches),
	}
}

// ConnectedUsers returns the ids of users with a connection on this
// instance.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a user has a live connection here.
func (h *Hub) IsConnected(uid string) bool {
	return h.connOf(uid) != nil
}

// UserCount returns the number of connected users.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
