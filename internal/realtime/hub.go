package realtime

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// JoinAuthorizer decides whether a user may observe a channel. It is called
// on the submitting goroutine, outside the Hub loop, and may block.
type JoinAuthorizer interface {
	CanJoin(ctx context.Context, userID, channelID string) (bool, error)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithObserver installs the counter hook.
func WithObserver(o Observer) HubOption {
	return func(h *Hub) { h.observer = o }
}

// WithRelay forwards locally originated fan-out to other processes.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

// WithAuthorizer gates join_channel frames on a membership check.
func WithAuthorizer(a JoinAuthorizer) HubOption {
	return func(h *Hub) { h.authorizer = a }
}

// WithLogger sets the logger used by the Hub and its router.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

type step struct {
	fn   func()
	done chan struct{}
}

// Hub serializes every registry and membership mutation onto one goroutine.
// Callers submit work through its methods and block until the work ran, so
// frames from one connection are applied in the order they were received.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	router      *Router
	observer    Observer
	relay       Relay
	authorizer  JoinAuthorizer
	logger      *slog.Logger

	steps   chan step
	stopped chan struct{}
	running atomic.Bool
	count   atomic.Int64
}

// NewHub creates a Hub. Run must be started before any other method is used.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		observer: NopObserver{},
		logger:   slog.Default(),
		steps:    make(chan step),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.observer == nil {
		h.observer = NopObserver{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.broadcaster = NewBroadcaster(h.registry, h.observer, h.relay, h.logger)
	h.router = NewRouter(h.broadcaster, h.observer, h.logger)
	return h
}

// Run executes submitted steps until ctx is cancelled. On return every
// registered transport has been closed and later submissions fail with
// ErrHubStopped.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return oops.Errorf("realtime: hub already running")
	}
	defer close(h.stopped)

	h.logger.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			n := h.registry.Len()
			h.registry.Clear()
			h.count.Store(0)
			h.observer.ConnectionsChanged(0)
			h.logger.Info("hub stopped", "closed_connections", n)
			return nil
		case s := <-h.steps:
			h.exec(s)
		}
	}
}

func (h *Hub) exec(s step) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub step panicked", "panic", r)
		}
	}()
	s.fn()
}

// do runs fn on the Hub goroutine and waits for it. It must not be called
// from inside a step.
func (h *Hub) do(fn func()) error {
	s := step{fn: fn, done: make(chan struct{})}
	select {
	case h.steps <- s:
	case <-h.stopped:
		return oops.Code(CodeHubStopped).Wrap(ErrHubStopped)
	}
	<-s.done
	return nil
}

// Admit registers t as the live connection of userID. A previous connection
// for the same identity is replaced and its transport closed.
func (h *Hub) Admit(userID string, t Transport) (*Connection, error) {
	var (
		conn     *Connection
		admitErr error
	)
	err := h.do(func() {
		prev, replaced := h.registry.Lookup(userID)
		conn, admitErr = h.registry.Admit(userID, t)
		if admitErr != nil {
			return
		}
		if replaced {
			h.logger.Info("replaced connection",
				"user_id", userID,
				"conn_id", conn.ID,
				"stale_conn_id", prev.ID,
			)
		}
		h.changed()
	})
	if err != nil {
		return nil, err
	}
	if admitErr != nil {
		return nil, admitErr
	}

	h.logger.Info("connection admitted",
		"user_id", conn.UserID,
		"conn_id", conn.ID,
		"connections", h.Count(),
	)
	return conn, nil
}

// Receive decodes one inbound frame from conn and applies it. Malformed and
// unknown frames are dropped without error. Frames from a connection that
// has been replaced or removed are discarded.
func (h *Hub) Receive(ctx context.Context, conn *Connection, data []byte) error {
	msgType, msg, ok := h.router.Decode(conn, data)
	if !ok {
		return nil
	}

	if join, isJoin := msg.(protocol.JoinChannelMsg); isJoin && h.authorizer != nil {
		if !h.authorize(ctx, conn, join.ChannelID) {
			h.observer.FrameRejected(RejectNotMember)
			return nil
		}
	}

	return h.do(func() {
		if !h.registry.Holds(conn) {
			h.observer.FrameRejected(RejectStale)
			h.logger.Debug("dropping frame from stale connection",
				"user_id", conn.UserID,
				"conn_id", conn.ID,
				"type", msgType,
			)
			return
		}
		h.router.Route(conn, msgType, msg)
	})
}

// authorize fails closed when the check itself errors.
func (h *Hub) authorize(ctx context.Context, conn *Connection, channelID string) bool {
	log := h.logger.With("user_id", conn.UserID, "channel_id", channelID)
	allowed, err := h.authorizer.CanJoin(ctx, conn.UserID, channelID)
	if err != nil {
		errutil.LogWarn(log, "membership check failed", err)
		return false
	}
	if !allowed {
		log.Info("join refused, not a channel member")
	}
	return allowed
}

// Disconnect removes conn from the registry when it is still the live
// connection for its identity and closes its transport. A non-nil cause is
// logged together with the identity.
func (h *Hub) Disconnect(conn *Connection, cause error) error {
	log := h.logger.With("user_id", conn.UserID, "conn_id", conn.ID)
	if cause != nil {
		errutil.LogWarn(log, "transport error", cause)
	}

	var removed bool
	err := h.do(func() {
		removed = h.registry.Remove(conn)
		if removed {
			h.changed()
		}
	})
	_ = conn.transport.Close()
	if err != nil {
		return err
	}

	if removed {
		log.Info("connection closed", "connections", h.Count())
	} else {
		log.Debug("stale connection closed")
	}
	return nil
}

// DeliverToChannel fans resp out to local observers of channelID without
// relaying it. It is the entry point for events that originated on another
// process.
func (h *Hub) DeliverToChannel(channelID string, resp protocol.Response, excludeUserID string) (int, error) {
	var n int
	err := h.do(func() {
		n = h.broadcaster.DeliverToChannel(channelID, resp, excludeUserID)
	})
	return n, err
}

// DeliverToUser sends resp to the local connection of userID without
// relaying it.
func (h *Hub) DeliverToUser(userID string, resp protocol.Response) (bool, error) {
	var ok bool
	err := h.do(func() {
		ok = h.broadcaster.DeliverToUser(userID, resp)
	})
	return ok, err
}

// Channels returns the channels conn currently observes.
func (h *Hub) Channels(conn *Connection) ([]string, error) {
	var out []string
	err := h.do(func() {
		out = conn.Channels()
	})
	return out, err
}

// Count returns the number of registered connections. It is safe to call
// from any goroutine.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// changed runs on the Hub goroutine after the registry size may have moved.
func (h *Hub) changed() {
	n := h.registry.Len()
	h.count.Store(int64(n))
	h.observer.ConnectionsChanged(n)
}
