package messaging

import (
	"encoding/json"
	"log/slog"

	"github.com/samber/oops"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// Envelope kinds.
const (
	KindChannel = "channel"
	KindUser    = "user"
)

// Envelope is one relayed delivery.
type Envelope struct {
	Origin   string            `json:"origin"`
	Kind     string            `json:"kind"`
	Target   string            `json:"target"`
	Exclude  string            `json:"exclude,omitempty"`
	Response protocol.Response `json:"response"`
}

// Encode marshals e.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, oops.With("kind", e.Kind).Wrapf(err, "marshal envelope")
	}
	return data, nil
}

// DecodeEnvelope parses a relayed delivery.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, oops.Code("BAD_ENVELOPE").Wrapf(err, "unmarshal envelope")
	}
	if e.Origin == "" || e.Target == "" || e.Response.Type == "" {
		return Envelope{}, oops.Code("BAD_ENVELOPE").Errorf("envelope missing origin, target or response type")
	}
	if e.Kind != KindChannel && e.Kind != KindUser {
		return Envelope{}, oops.Code("BAD_ENVELOPE").With("kind", e.Kind).Errorf("unknown envelope kind")
	}
	return e, nil
}

// Publisher is the outbound side of a message bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the inbound side of a message bus.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// Deliverer applies relayed deliveries to local connections only.
type Deliverer interface {
	DeliverToChannel(channelID string, resp protocol.Response, excludeUserID string) (int, error)
	DeliverToUser(userID string, resp protocol.Response) (bool, error)
}

// Observer counts relayed envelopes by direction.
type Observer interface {
	RelayPublished(kind string)
	RelayReceived(kind string)
}

type nopObserver struct{}

func (nopObserver) RelayPublished(string) {}
func (nopObserver) RelayReceived(string)  {}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithObserver installs relay counters.
func WithObserver(o Observer) RelayOption {
	return func(r *Relay) { r.observer = o }
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// Relay publishes local fan-out on a subject and replays peer fan-out into a
// Deliverer. Envelopes carrying this process's own origin are ignored.
type Relay struct {
	pub      Publisher
	subject  string
	origin   string
	observer Observer
	logger   *slog.Logger
	target   Deliverer
}

// NewRelay creates a Relay that publishes on subject as origin.
func NewRelay(pub Publisher, subject, origin string, opts ...RelayOption) *Relay {
	if subject == "" {
		subject = DefaultSubject
	}
	r := &Relay{
		pub:      pub,
		subject:  subject,
		origin:   origin,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "relay", "origin", origin)
	return r
}

// Start subscribes to the relay subject and replays peer envelopes into d.
func (r *Relay) Start(sub Subscriber, d Deliverer) error {
	r.target = d
	if err := sub.Subscribe(r.subject, r.Handle); err != nil {
		return err
	}
	r.logger.Info("relay subscribed", "subject", r.subject)
	return nil
}

// PublishChannel relays a channel fan-out. Failures are logged, never
// returned, so the local fan-out is unaffected.
func (r *Relay) PublishChannel(channelID string, resp protocol.Response, excludeUserID string) {
	r.publish(Envelope{
		Origin:   r.origin,
		Kind:     KindChannel,
		Target:   channelID,
		Exclude:  excludeUserID,
		Response: resp,
	})
}

// PublishUser relays a direct delivery that had no local connection.
func (r *Relay) PublishUser(userID string, resp protocol.Response) {
	r.publish(Envelope{
		Origin:   r.origin,
		Kind:     KindUser,
		Target:   userID,
		Response: resp,
	})
}

func (r *Relay) publish(e Envelope) {
	data, err := e.Encode()
	if err == nil {
		err = r.pub.Publish(r.subject, data)
	}
	if err != nil {
		errutil.LogWarn(r.logger.With("kind", e.Kind, "target", e.Target), "relay publish failed", err)
		return
	}
	r.observer.RelayPublished(e.Kind)
}

// Handle replays one envelope received from the bus.
func (r *Relay) Handle(data []byte) {
	e, err := DecodeEnvelope(data)
	if err != nil {
		errutil.LogWarn(r.logger, "dropping relayed envelope", err)
		return
	}
	if e.Origin == r.origin {
		return
	}
	if r.target == nil {
		return
	}
	r.observer.RelayReceived(e.Kind)

	log := r.logger.With("peer", e.Origin, "kind", e.Kind, "target", e.Target, "type", e.Response.Type)
	switch e.Kind {
	case KindChannel:
		n, err := r.target.DeliverToChannel(e.Target, e.Response, e.Exclude)
		if err != nil {
			errutil.LogWarn(log, "relayed delivery failed", err)
			return
		}
		log.Debug("relayed channel delivery", "recipients", n)
	case KindUser:
		ok, err := r.target.DeliverToUser(e.Target, e.Response)
		if err != nil {
			errutil.LogWarn(log, "relayed delivery failed", err)
			return
		}
		log.Debug("relayed user delivery", "delivered", ok)
	}
}
