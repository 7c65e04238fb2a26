package realtime

import "github.com/Tao119/hospitalChatApp/internal/protocol"

// DropReason labels why a delivery did not happen.
type DropReason string

const (
	DropNoConnection DropReason = "no_live_connection"
	DropNotOpen      DropReason = "non_open_transport"
	DropSendFailed   DropReason = "send_failed"
)

// RejectReason labels why an inbound frame was not routed.
type RejectReason string

const (
	RejectMalformed   RejectReason = "malformed"
	RejectUnknownType RejectReason = "unknown_type"
	RejectNotMember   RejectReason = "not_member"
	RejectStale       RejectReason = "stale_connection"
)

// Observer receives counters for the silent paths of the fan-out core so
// operators can see drops without changing delivery semantics. Calls are made
// from the Hub goroutine or from the goroutine submitting a frame, and must
// not block.
type Observer interface {
	ConnectionsChanged(n int)
	FrameReceived(msgType string)
	FrameRejected(reason RejectReason)
	Delivered(msgType string, n int)
	Dropped(msgType string, reason DropReason)
}

// NopObserver discards every observation.
type NopObserver struct{}

func (NopObserver) ConnectionsChanged(int) {}
func (NopObserver) FrameReceived(string) {}
func (NopObserver) FrameRejected(RejectReason) {}
func (NopObserver) Delivered(string, int) {}
func (NopObserver) Dropped(string, DropReason) {}

// Relay forwards fan-out requests to other processes so connections that are
// not local to this process are reached too. Implementations must not call
// back into the Hub synchronously.
type Relay interface {
	PublishChannel(channelID string, resp protocol.Response, excludeUserID string)
	PublishUser(userID string, resp protocol.Response)
}
