package websocket

import (
	"sync"
)

// Registry tracks every live connection on this instance
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic;
// class attachments live in the session registry, this only knows who is connected
// FUNCTIONAL DISCOVERY: A user may hold several connections (two browser tabs);
// owner replacement is decided per class by the session registry, not here
type Registry struct {
	mu          sync.RWMutex                      // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	connections map[string]*Connection            // connectionID -> Connection
	byUser      map[string]map[string]*Connection // userID -> connectionID -> Connection
}

// NewRegistry creates a new connection registry
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access during concurrent operations
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
	}
}

// Register adds conn to the live set.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn

	userID := conn.Principal().ID
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][conn.ID()] = conn
	return nil
}

// Unregister removes conn. Idempotent.
// RACE CONDITION FIX: Only removes the entry if it is this exact connection instance
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	userID := conn.Principal().ID
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// Get returns a live connection by ID.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connectionID]
	return conn, ok
}

// UserConnections returns every live connection of userID.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every live connection and returns how many were closed.
// Each connection's read loop unregisters it as it exits.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"unique_users":      len(r.byUser),
	}
}
