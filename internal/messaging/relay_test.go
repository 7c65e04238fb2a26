package messaging

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

type memBus struct {
	mu       sync.Mutex
	err      error
	handlers map[string][]func([]byte)
	sent     [][]byte
}

func newMemBus() *memBus {
	return &memBus{handlers: make(map[string][]func([]byte))}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	b.sent = append(b.sent, data)
	hs := append([]func([]byte){}, b.handlers[subject]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
	return nil
}

func (b *memBus) Subscribe(subject string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

type delivery struct {
	kind, target, exclude string
	resp                  protocol.Response
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []delivery
	err error
}

func (d *recordingDeliverer) DeliverToChannel(channelID string, resp protocol.Response, exclude string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, delivery{KindChannel, channelID, exclude, resp})
	return 1, d.err
}

func (d *recordingDeliverer) DeliverToUser(userID string, resp protocol.Response) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, delivery{kind: KindUser, target: userID, resp: resp})
	return true, d.err
}

func (d *recordingDeliverer) snapshot() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.got...)
}

type countingObserver struct {
	mu                  sync.Mutex
	published, received map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{published: map[string]int{}, received: map[string]int{}}
}

func (o *countingObserver) RelayPublished(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published[kind]++
}

func (o *countingObserver) RelayReceived(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received[kind]++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(text string) protocol.Response {
	return protocol.Response{Type: protocol.ResponseMessage, Data: json.RawMessage(`{"text":"` + text + `"}`)}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	in := Envelope{Origin: "n1", Kind: KindChannel, Target: "chan1", Exclude: "A", Response: msg("hi")}
	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, in.Origin, out.Origin)
	assert.Equal(t, in.Exclude, out.Exclude)
	assert.Equal(t, in.Response.Type, out.Response.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(out.Response.Data))
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `nope`,
		"no origin":    `{"kind":"user","target":"A","response":{"type":"mention"}}`,
		"no target":    `{"origin":"n1","kind":"user","response":{"type":"mention"}}`,
		"no type":      `{"origin":"n1","kind":"user","target":"A","response":{}}`,
		"unknown kind": `{"origin":"n1","kind":"ward","target":"A","response":{"type":"mention"}}`,
		"missing kind": `{"origin":"n1","target":"A","response":{"type":"mention"}}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestRelay_PeersReplayEachOther(t *testing.T) {
	bus := newMemBus()
	obs1, obs2 := newCountingObserver(), newCountingObserver()
	d1, d2 := &recordingDeliverer{}, &recordingDeliverer{}

	r1 := NewRelay(bus, "", "node-1", WithObserver(obs1), WithLogger(quietLogger()))
	r2 := NewRelay(bus, "", "node-2", WithObserver(obs2), WithLogger(quietLogger()))
	require.NoError(t, r1.Start(bus, d1))
	require.NoError(t, r2.Start(bus, d2))

	r1.PublishChannel("chan1", msg("hi"), "A")
	r1.PublishUser("B", protocol.Response{Type: protocol.ResponseMention})

	assert.Empty(t, d1.snapshot(), "own envelopes are ignored")

	got := d2.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, delivery{KindChannel, "chan1", "A", got[0].resp}, got[0])
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].resp.Data))
	assert.Equal(t, KindUser, got[1].kind)
	assert.Equal(t, "B", got[1].target)

	assert.Equal(t, 1, obs1.published[KindChannel])
	assert.Equal(t, 1, obs1.published[KindUser])
	assert.Equal(t, 1, obs2.received[KindChannel])
	assert.Equal(t, 1, obs2.received[KindUser])
	assert.Empty(t, obs1.received)
}

func TestRelay_PublishFailureIsSwallowed(t *testing.T) {
	bus := newMemBus()
	bus.err = errors.New("bus down")
	obs := newCountingObserver()
	r := NewRelay(bus, "s", "node-1", WithObserver(obs), WithLogger(quietLogger()))

	assert.NotPanics(t, func() { r.PublishChannel("chan1", msg("x"), "") })
	assert.Empty(t, obs.published)
}

func TestRelay_HandleDropsGarbage(t *testing.T) {
	d := &recordingDeliverer{}
	r := NewRelay(newMemBus(), "s", "node-1", WithLogger(quietLogger()))
	r.target = d

	r.Handle([]byte(`{"broken"`))
	assert.Empty(t, d.snapshot())
}

func TestRelay_DeliveryErrorIsLogged(t *testing.T) {
	d := &recordingDeliverer{err: errors.New("hub stopped")}
	r := NewRelay(newMemBus(), "s", "node-1", WithLogger(quietLogger()))
	r.target = d

	data, err := Envelope{Origin: "node-2", Kind: KindUser, Target: "A", Response: msg("x")}.Encode()
	require.NoError(t, err)
	assert.NotPanics(t, func() { r.Handle(data) })
	assert.Len(t, d.snapshot(), 1)
}

func TestRelay_NATS(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	c1, err := NewNATSClient(cfg, quietLogger())
	if err != nil {
		t.Skipf("nats unavailable: %v", err)
	}
	defer c1.Close()
	c2, err := NewNATSClient(cfg, quietLogger())
	require.NoError(t, err)
	defer c2.Close()

	subject := "hospitalchat.test." + time.Now().Format("150405.000000")
	d := &recordingDeliverer{}
	r1 := NewRelay(c1, subject, "node-1", WithLogger(quietLogger()))
	r2 := NewRelay(c2, subject, "node-2", WithLogger(quietLogger()))
	require.NoError(t, r2.Start(c2, d))
	require.NoError(t, c2.Flush())

	r1.PublishUser("B", msg("over the wire"))
	require.NoError(t, c1.Flush())

	require.Eventually(t, func() bool { return len(d.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "B", d.snapshot()[0].target)
}
