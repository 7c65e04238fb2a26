package realtime

import (
	"log/slog"

	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// Broadcaster delivers encoded responses to registered connections. It reads
// the Registry and must only be used from the Hub goroutine.
type Broadcaster struct {
	registry *Registry
	observer Observer
	relay    Relay
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster over registry. A nil observer or
// logger falls back to no-op and slog.Default respectively; a nil relay keeps
// fan-out process-local.
func NewBroadcaster(registry *Registry, observer Observer, relay Relay, logger *slog.Logger) *Broadcaster {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		observer: observer,
		relay:    relay,
		logger:   logger,
	}
}

// BroadcastToChannel delivers resp to every local connection observing
// channelID, skipping excludeUserID when it is non-empty, and then hands the
// response to the relay. It returns the number of local deliveries.
func (b *Broadcaster) BroadcastToChannel(channelID string, resp protocol.Response, excludeUserID string) int {
	n := b.DeliverToChannel(channelID, resp, excludeUserID)
	if b.relay != nil {
		b.relay.PublishChannel(channelID, resp, excludeUserID)
	}
	return n
}

// DeliverToChannel is BroadcastToChannel without the relay hand-off. It is
// used for events that arrived from another process.
func (b *Broadcaster) DeliverToChannel(channelID string, resp protocol.Response, excludeUserID string) int {
	frame, ok := b.encode(resp)
	if !ok {
		return 0
	}

	sent := 0
	b.registry.Each(func(conn *Connection) {
		if !conn.Observes(channelID) {
			return
		}
		if excludeUserID != "" && conn.UserID == excludeUserID {
			return
		}
		if b.write(conn, resp.Type, frame) {
			sent++
		}
	})

	b.observer.Delivered(resp.Type, sent)
	b.logger.Debug("broadcast to channel",
		"channel_id", channelID,
		"type", resp.Type,
		"recipients", sent,
	)
	return sent
}

// SendToUser delivers resp to the live connection of userID, if any, and
// hands it to the relay when the user is not connected locally. A miss is
// silent.
func (b *Broadcaster) SendToUser(userID string, resp protocol.Response) bool {
	if b.DeliverToUser(userID, resp) {
		return true
	}
	if b.relay != nil {
		b.relay.PublishUser(userID, resp)
	}
	return false
}

// DeliverToUser is SendToUser without the relay hand-off.
func (b *Broadcaster) DeliverToUser(userID string, resp protocol.Response) bool {
	conn, ok := b.registry.Lookup(userID)
	if !ok {
		b.observer.Dropped(resp.Type, DropNoConnection)
		return false
	}

	frame, ok := b.encode(resp)
	if !ok {
		return false
	}
	if !b.write(conn, resp.Type, frame) {
		return false
	}
	b.observer.Delivered(resp.Type, 1)
	return true
}

// write sends frame when the transport is open. Non-open transports are
// skipped, never queued.
func (b *Broadcaster) write(conn *Connection, msgType string, frame []byte) bool {
	if !conn.open() {
		b.observer.Dropped(msgType, DropNotOpen)
		return false
	}
	if err := conn.transport.Send(frame); err != nil {
		b.observer.Dropped(msgType, DropSendFailed)
		b.logger.Warn("send failed",
			"user_id", conn.UserID,
			"conn_id", conn.ID,
			"type", msgType,
			"error", err,
		)
		return false
	}
	return true
}

func (b *Broadcaster) encode(resp protocol.Response) ([]byte, bool) {
	frame, err := protocol.NewServerMessage(resp.Type, resp.Data)
	if err != nil {
		b.logger.Error("encode response failed", "type", resp.Type, "error", err)
		return nil, false
	}
	return frame, true
}
