// Package realtime is the in-process fan-out core: an identity-keyed registry
// of live connections, per-connection channel membership, channel broadcast
// with optional sender exclusion, direct user notification, and the router
// that maps inbound frames onto those operations. All state is owned by a
// single Hub goroutine.
package realtime

import (
	"sort"
	"time"
)

// State is the observable lifecycle state of a Transport.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the outbound half of a live duplex connection. Close must be
// idempotent.
type Transport interface {
	Send(frame []byte) error
	State() State
	Close() error
}

// Connection is one admitted transport bound to a user identity together
// with the set of channels it currently observes. Only the Hub goroutine may
// mutate the channel set.
type Connection struct {
	ID         string    // instance id, distinguishes a replaced connection from its successor
	UserID     string    // externally issued identity
	AdmittedAt time.Time // when the registry accepted the connection

	transport Transport
	channels  map[string]struct{}
}

func newConnection(id, userID string, t Transport) *Connection {
	return &Connection{
		ID:         id,
		UserID:     userID,
		AdmittedAt: time.Now(),
		transport:  t,
		channels:   make(map[string]struct{}),
	}
}

// Transport returns the underlying transport handle.
func (c *Connection) Transport() Transport {
	return c.transport
}

// Join adds channelID to the observed set. Joining twice is a no-op.
func (c *Connection) Join(channelID string) {
	c.channels[channelID] = struct{}{}
}

// Leave removes channelID from the observed set. Leaving a channel that was
// never joined is a no-op.
func (c *Connection) Leave(channelID string) {
	delete(c.channels, channelID)
}

// Observes reports whether the connection currently joined channelID.
func (c *Connection) Observes(channelID string) bool {
	_, ok := c.channels[channelID]
	return ok
}

// Channels returns a sorted snapshot of the observed set.
func (c *Connection) Channels() []string {
	out := make([]string, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// open reports whether a frame may be written to the connection right now.
func (c *Connection) open() bool {
	return c.transport.State() == StateOpen
}
