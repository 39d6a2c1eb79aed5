package relay

import (
	stdsync "sync"
)

// Registry is the explicit index of live connections. Presence queries
// (active connection and user counts, per-user fan-out) all go through
// it rather than package-level maps.
type Registry struct {
	mu    stdsync.RWMutex
	conns map[string]*Conn
	users map[string]map[string]*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		users: make(map[string]map[string]*Conn),
	}
}

// Add registers a connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	byUser := r.users[c.UserID]
	if byUser == nil {
		byUser = make(map[string]*Conn)
		r.users[c.UserID] = byUser
	}
	byUser[c.ID] = c
	conns := len(r.conns)
	users := len(r.users)
	r.mu.Unlock()
	connectionsGauge.Set(float64(conns))
	usersGauge.Set(float64(users))
}

// Remove drops a connection and prunes the user entry when it was the
// user's last one.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.ID)
	if byUser := r.users[c.UserID]; byUser != nil {
		delete(byUser, c.ID)
		if len(byUser) == 0 {
			delete(r.users, c.UserID)
		}
	}
	conns := len(r.conns)
	users := len(r.users)
	r.mu.Unlock()
	connectionsGauge.Set(float64(conns))
	usersGauge.Set(float64(users))
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ForUser returns every live connection a user holds.
func (r *Registry) ForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byUser := r.users[userID]
	out := make([]*Conn, 0, len(byUser))
	for _, c := range byUser {
		out = append(out, c)
	}
	return out
}

// ActiveConnections returns the live connection count.
func (r *Registry) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ActiveUsers returns the count of users with at least one connection.
func (r *Registry) ActiveUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
