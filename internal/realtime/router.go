package realtime

import (
	"errors"
	"log/slog"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// Router classifies inbound frames and applies them to the sender's
// membership set or to the Broadcaster.
type Router struct {
	broadcaster *Broadcaster
	observer    Observer
	logger      *slog.Logger
}

// NewRouter creates a Router that fans out through b.
func NewRouter(b *Broadcaster, observer Observer, logger *slog.Logger) *Router {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{broadcaster: b, observer: observer, logger: logger}
}

// Dispatch decodes data and routes it. It must run on the Hub goroutine.
func (r *Router) Dispatch(conn *Connection, data []byte) {
	msgType, msg, ok := r.Decode(conn, data)
	if !ok {
		return
	}
	r.Route(conn, msgType, msg)
}

// Decode parses data into a typed client message. Malformed frames are
// logged and unknown types are ignored; in both cases ok is false and nothing
// is sent back to the client. Decode touches no shared state and may run on
// any goroutine.
func (r *Router) Decode(conn *Connection, data []byte) (string, interface{}, bool) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case err == nil:
		r.observer.FrameReceived(msgType)
		return msgType, msg, true
	case errors.Is(err, protocol.ErrUnknownType):
		r.observer.FrameRejected(RejectUnknownType)
		r.logger.Debug("ignoring unknown frame type",
			"user_id", conn.UserID,
			"type", msgType,
		)
	default:
		r.observer.FrameRejected(RejectMalformed)
		errutil.LogWarn(r.logger.With("user_id", conn.UserID, "conn_id", conn.ID),
			"dropping malformed frame", err)
	}
	return msgType, nil, false
}

// Route applies a decoded message for conn.
func (r *Router) Route(conn *Connection, msgType string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.JoinChannelMsg:
		conn.Join(m.ChannelID)
		r.logger.Info("joined channel", "user_id", conn.UserID, "channel_id", m.ChannelID)

	case protocol.LeaveChannelMsg:
		conn.Leave(m.ChannelID)
		r.logger.Info("left channel", "user_id", conn.UserID, "channel_id", m.ChannelID)

	case protocol.ChatMsg:
		// The sender receives its own echo so its UI can reconcile optimistic
		// state against the server copy.
		r.broadcaster.BroadcastToChannel(m.ChannelID, protocol.Response{
			Type: protocol.ResponseMessage,
			Data: m.Data,
		}, "")

	case protocol.MentionMsg:
		r.broadcaster.SendToUser(m.MentionedUserID, protocol.Response{
			Type: protocol.ResponseMention,
			Data: m.Data,
		})

	case protocol.ReadMsg:
		r.broadcaster.BroadcastToChannel(m.ChannelID, protocol.Response{
			Type: protocol.ResponseRead,
			Data: m.Data,
		}, conn.UserID)

	case protocol.TypingMsg:
		resp, err := protocol.NewTypingResponse(m)
		if err != nil {
			errutil.LogError(r.logger, "encode typing failed", err)
			return
		}
		r.logger.Debug("typing", "user_id", conn.UserID, "thread_id", m.ThreadID)
		r.broadcaster.BroadcastToChannel(m.ChannelID, resp, conn.UserID)

	default:
		r.logger.Debug("no route for frame", "user_id", conn.UserID, "type", msgType)
	}
}
