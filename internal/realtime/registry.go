package realtime

import (
	"errors"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Error codes used by the realtime core.
const (
	CodeInvalidIdentity = "INVALID_IDENTITY"
	CodeHubStopped      = "HUB_STOPPED"
)

var (
	// ErrInvalidIdentity is returned when a connection is admitted without a
	// user identity.
	ErrInvalidIdentity = errors.New("realtime: missing user identity")

	// ErrHubStopped is returned by Hub methods once Run has returned.
	ErrHubStopped = errors.New("realtime: hub stopped")
)

// Registry maps a user identity to its single live Connection. It is not
// safe for concurrent use; the Hub goroutine owns it.
type Registry struct {
	conns map[string]*Connection // user_id -> Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Admit registers t under userID and returns the new Connection with an
// empty membership set. An existing entry for userID is replaced, not merged,
// and its transport is closed so the stale socket does not leak.
func (r *Registry) Admit(userID string, t Transport) (*Connection, error) {
	if userID == "" {
		return nil, oops.Code(CodeInvalidIdentity).Wrap(ErrInvalidIdentity)
	}

	conn := newConnection(uuid.NewString(), userID, t)
	if prev, ok := r.conns[userID]; ok {
		_ = prev.transport.Close()
	}
	r.conns[userID] = conn
	return conn, nil
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	conn, ok := r.conns[userID]
	return conn, ok
}

// Holds reports whether conn is still the registered connection for its
// identity.
func (r *Registry) Holds(conn *Connection) bool {
	cur, ok := r.conns[conn.UserID]
	return ok && cur == conn
}

// Remove deletes conn from the registry. It returns false, leaving the
// registry untouched, when conn has already been removed or replaced by a
// newer connection for the same identity.
func (r *Registry) Remove(conn *Connection) bool {
	if !r.Holds(conn) {
		return false
	}
	delete(r.conns, conn.UserID)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Each calls fn for every registered connection in unspecified order.
func (r *Registry) Each(fn func(*Connection)) {
	for _, conn := range r.conns {
		fn(conn)
	}
}

// Clear closes every registered transport and empties the registry.
func (r *Registry) Clear() {
	for userID, conn := range r.conns {
		_ = conn.transport.Close()
		delete(r.conns, userID)
	}
}
