// Package protocol defines the realtime wire format exchanged between a
// browser session and the fan-out server. Every frame is a JSON object with a
// "type" discriminator; inbound frames carry routing fields next to an opaque
// "data" payload, outbound frames carry only "type" and "data".
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/samber/oops"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChannel  = "join_channel"
	TypeLeaveChannel = "leave_channel"
	TypeMessage      = "message"
	TypeMention      = "mention"
	TypeRead         = "read"
	TypeTyping       = "typing"
)

// Server -> Client message types. They share their names with the inbound
// frames that trigger them.
const (
	ResponseMessage = TypeMessage
	ResponseMention = TypeMention
	ResponseRead    = TypeRead
	ResponseTyping  = TypeTyping
)

// Error codes attached to parse failures.
const (
	CodeMalformedFrame = "MALFORMED_FRAME"
	CodeUnknownType    = "UNKNOWN_TYPE"
)

var (
	// ErrMalformed is matched by every error caused by invalid JSON or a frame
	// missing a field needed for routing.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is matched when the frame parsed but its type is not one
	// the router understands. Callers are expected to ignore such frames.
	ErrUnknownType = errors.New("unknown frame type")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the whole frame and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return err
	}
	if partial.Type == "" {
		return errors.New(`missing or empty "type" field`)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChannelMsg adds a channel to the sending connection's observed set.
type JoinChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// LeaveChannelMsg removes a channel from the sending connection's observed set.
type LeaveChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// ChatMsg asks the server to fan out an already persisted message to every
// connection observing the channel, sender included.
type ChatMsg struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MentionMsg asks the server to notify a single user.
type MentionMsg struct {
	Type            string          `json:"type"`
	MentionedUserID string          `json:"mentionedUserId"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ReadMsg announces a read receipt to the other observers of a channel.
type ReadMsg struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TypingData is the attribution carried by a typing frame.
type TypingData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TypingMsg announces that a user is composing in a thread.
type TypingMsg struct {
	Type      string      `json:"type"`
	ChannelID string      `json:"channelId"`
	ThreadID  string      `json:"threadId"`
	Data      *TypingData `json:"data"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Response is the only outbound frame shape.
type Response struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingPayload is the reshaped data of an outbound typing response. An
// attribution field the sender left out stays out.
type TypingPayload struct {
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	ThreadID string `json:"threadId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string and the decoded struct. Errors match
// ErrMalformed or ErrUnknownType; for unknown types the type string is still
// returned so the caller can log it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, malformed(err, "")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChannel:
		var m JoinChannelMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("channelId", m.ChannelID)
		}
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("channelId", m.ChannelID)
		}
		msg = m
	case TypeMessage:
		var m ChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("channelId", m.ChannelID)
		}
		msg = m
	case TypeMention:
		var m MentionMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("mentionedUserId", m.MentionedUserID)
		}
		msg = m
	case TypeRead:
		var m ReadMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("channelId", m.ChannelID)
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("channelId", m.ChannelID)
		}
		if err == nil {
			err = requireField("threadId", m.ThreadID)
		}
		if err == nil && m.Data == nil {
			err = errors.New(`missing "data" object`)
		}
		msg = m
	default:
		return env.Type, nil, oops.
			Code(CodeUnknownType).
			With("type", env.Type).
			Wrap(ErrUnknownType)
	}

	if err != nil {
		return env.Type, nil, malformed(err, env.Type)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes an outbound {type, data} frame. A nil or empty
// data payload is omitted from the output.
func NewServerMessage(msgType string, data json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = nil
	}
	out, err := json.Marshal(Response{Type: msgType, Data: data})
	if err != nil {
		return nil, oops.With("type", msgType).Wrapf(err, "marshal server message")
	}
	return out, nil
}

// NewTypingResponse builds the reshaped typing response. Only userId,
// userName and threadId survive; any other field of the inbound data is
// dropped.
func NewTypingResponse(m TypingMsg) (Response, error) {
	payload, err := json.Marshal(TypingPayload{
		UserID:   m.Data.UserID,
		UserName: m.Data.UserName,
		ThreadID: m.ThreadID,
	})
	if err != nil {
		return Response{}, oops.Wrapf(err, "marshal typing payload")
	}
	return Response{Type: ResponseTyping, Data: payload}, nil
}

// ParseServerMessage decodes an outbound frame received by a client session.
func ParseServerMessage(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, malformed(err, "")
	}
	if r.Type == "" {
		return Response{}, malformed(errors.New(`missing or empty "type" field`), "")
	}
	return r, nil
}

func requireField(name, value string) error {
	if value == "" {
		return errors.New(`missing "` + name + `" field`)
	}
	return nil
}

// malformed joins the cause with ErrMalformed so both stay matchable.
func malformed(cause error, msgType string) error {
	b := oops.Code(CodeMalformedFrame)
	if msgType != "" {
		b = b.With("type", msgType)
	}
	return b.Wrap(errors.Join(ErrMalformed, cause))
}
