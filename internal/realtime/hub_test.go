package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

func TestHub_MessageReachesEveryObserverIncludingSender(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	c, tc := admit(t, h, "C")
	for _, conn := range []*Connection{a, b, c} {
		join(t, h, conn, "chan1")
	}

	send(t, h, a, `{"type":"message","channelId":"chan1","data":{"text":"hello"}}`)

	for name, ft := range map[string]*fakeTransport{"A": ta, "B": tb, "C": tc} {
		assert.Equal(t, []string{`{"type":"message","data":{"text":"hello"}}`}, ft.raw(), name)
	}
}

func TestHub_TypingExcludesSenderAndOtherChannels(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	c, tc := admit(t, h, "C")
	join(t, h, a, "chan1")
	join(t, h, b, "chan1")
	join(t, h, c, "chan2")

	send(t, h, b, `{"type":"typing","channelId":"chan1","threadId":"t1","data":{"userId":"B","userName":"Bob"}}`)

	got := ta.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ResponseTyping, got[0].Type)
	assert.Equal(t, map[string]any{"userId": "B", "userName": "Bob", "threadId": "t1"}, jsonData(t, got[0].Data))
	assert.Empty(t, tb.raw())
	assert.Empty(t, tc.raw())
}

func TestHub_TypingDropsExtraFields(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	b, _ := admit(t, h, "B")
	join(t, h, a, "chan1")
	join(t, h, b, "chan1")

	send(t, h, b, `{"type":"typing","channelId":"chan1","threadId":"t1","data":{"userId":"B","userName":"Bob","avatar":"x.png"}}`)

	got := ta.responses(t)
	require.Len(t, got, 1)
	assert.NotContains(t, jsonData(t, got[0].Data), "avatar")
}

func TestHub_ReadExcludesSender(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	join(t, h, a, "chan1")
	join(t, h, b, "chan1")

	send(t, h, a, `{"type":"read","channelId":"chan1","data":{"messageId":"m1","userId":"A"}}`)

	assert.Empty(t, ta.raw())
	assert.Equal(t, []string{`{"type":"read","data":{"messageId":"m1","userId":"A"}}`}, tb.raw())
}

func TestHub_MessageEchoedToLoneSender(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	join(t, h, a, "C")

	send(t, h, a, `{"type":"message","channelId":"C","data":{"text":"hi"}}`)

	got := ta.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ResponseMessage, got[0].Type)
}

func TestHub_MessageWithoutDataOmitsField(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	join(t, h, a, "C")

	send(t, h, a, `{"type":"message","channelId":"C"}`)

	assert.Equal(t, []string{`{"type":"message"}`}, ta.raw())
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	join(t, h, a, "chan1")
	join(t, h, b, "chan1")
	send(t, h, a, `{"type":"leave_channel","channelId":"chan1"}`)

	send(t, h, b, `{"type":"message","channelId":"chan1","data":{"text":"after leave"}}`)

	assert.Empty(t, ta.raw())
	assert.Len(t, tb.raw(), 1)
}

func TestHub_LeaveUnknownChannelIsNoop(t *testing.T) {
	h := startHub(t)
	a, _ := admit(t, h, "A")
	join(t, h, a, "chan1")

	send(t, h, a, `{"type":"leave_channel","channelId":"never-joined"}`)

	chans, err := h.Channels(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"chan1"}, chans)
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	join(t, h, a, "chan1")
	join(t, h, a, "chan1")

	send(t, h, a, `{"type":"message","channelId":"chan1","data":{}}`)

	assert.Len(t, ta.raw(), 1)
	chans, err := h.Channels(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"chan1"}, chans)
}

func TestHub_ReplacedConnectionIsUnreachable(t *testing.T) {
	h := startHub(t)
	a1, t1 := admit(t, h, "A")
	join(t, h, a1, "chan1")
	a2, t2 := admit(t, h, "A")
	join(t, h, a2, "chan1")

	assert.Equal(t, 1, t1.closeCount(), "stale transport should be closed on replacement")
	// Even if the stale socket still looks open it must not be targeted.
	t1.setState(StateOpen)

	b, _ := admit(t, h, "B")
	join(t, h, b, "chan1")
	send(t, h, b, `{"type":"message","channelId":"chan1","data":{"n":1}}`)
	send(t, h, b, `{"type":"mention","mentionedUserId":"A","data":{"n":2}}`)

	assert.Empty(t, t1.raw())
	assert.Len(t, t2.raw(), 2)
	assert.Equal(t, 2, h.Count())
}

func TestHub_FramesFromStaleConnectionAreDropped(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a1, _ := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	join(t, h, b, "chan1")
	_, _ = admit(t, h, "A")

	send(t, h, a1, `{"type":"message","channelId":"chan1","data":{}}`)

	assert.Empty(t, tb.raw())
	assert.Equal(t, 1, obs.rejectedCount(RejectStale))
}

func TestHub_StaleDisconnectKeepsSuccessor(t *testing.T) {
	h := startHub(t)
	a1, _ := admit(t, h, "A")
	_, t2 := admit(t, h, "A")

	require.NoError(t, h.Disconnect(a1, errors.New("connection reset")))

	assert.Equal(t, 1, h.Count())
	b, _ := admit(t, h, "B")
	send(t, h, b, `{"type":"mention","mentionedUserId":"A","data":{}}`)
	assert.Len(t, t2.raw(), 1)
	assert.Zero(t, t2.closeCount())
}

func TestHub_DisconnectRemovesAndCloses(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")
	require.Equal(t, 1, obs.connectionCount())

	require.NoError(t, h.Disconnect(a, nil))
	require.NoError(t, h.Disconnect(a, nil))

	assert.Zero(t, h.Count())
	assert.Zero(t, obs.connectionCount())
	assert.GreaterOrEqual(t, ta.closeCount(), 1)
}

func TestHub_MentionDelivered(t *testing.T) {
	h := startHub(t)
	a, ta := admit(t, h, "A")
	_, tb := admit(t, h, "B")

	send(t, h, a, `{"type":"mention","mentionedUserId":"B","data":{"messageId":"m1"}}`)

	assert.Empty(t, ta.raw())
	assert.Equal(t, []string{`{"type":"mention","data":{"messageId":"m1"}}`}, tb.raw())
}

func TestHub_MentionMissIsSilent(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")
	_, tb := admit(t, h, "B")
	join(t, h, a, "chan1")

	send(t, h, a, `{"type":"mention","mentionedUserId":"X","data":{}}`)

	assert.Empty(t, ta.raw())
	assert.Empty(t, tb.raw())
	assert.Equal(t, 1, obs.droppedCount(DropNoConnection))
}

func TestHub_MalformedFrameKeepsConnection(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")

	send(t, h, a, `this is not json`)
	send(t, h, a, `{"type":"join_channel"}`)
	join(t, h, a, "chan1")
	send(t, h, a, `{"type":"message","channelId":"chan1","data":{}}`)

	assert.Len(t, ta.raw(), 1)
	assert.Zero(t, ta.closeCount())
	assert.Equal(t, 2, obs.rejectedCount(RejectMalformed))
	assert.Equal(t, 1, h.Count())
}

func TestHub_UnknownTypeIgnored(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")
	join(t, h, a, "chan1")

	send(t, h, a, `{"type":"presence","channelId":"chan1"}`)

	assert.Empty(t, ta.raw())
	assert.Zero(t, ta.closeCount())
	assert.Equal(t, 1, obs.rejectedCount(RejectUnknownType))
}

func TestHub_SkipsNonOpenTransports(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	c, tc := admit(t, h, "C")
	for _, conn := range []*Connection{a, b, c} {
		join(t, h, conn, "chan1")
	}
	tb.setState(StateClosing)
	tc.setState(StateConnecting)

	send(t, h, a, `{"type":"message","channelId":"chan1","data":{}}`)
	send(t, h, a, `{"type":"mention","mentionedUserId":"B","data":{}}`)

	assert.Len(t, ta.raw(), 1)
	assert.Empty(t, tb.raw())
	assert.Empty(t, tc.raw())
	assert.Equal(t, 3, obs.droppedCount(DropNotOpen))
}

func TestHub_SendFailureSkipsRecipient(t *testing.T) {
	obs := newRecordingObserver()
	h := startHub(t, WithObserver(obs))
	a, ta := admit(t, h, "A")
	b, tb := admit(t, h, "B")
	join(t, h, a, "chan1")
	join(t, h, b, "chan1")
	tb.setSendErr(errors.New("broken pipe"))

	send(t, h, a, `{"type":"message","channelId":"chan1","data":{}}`)

	assert.Len(t, ta.raw(), 1)
	assert.Empty(t, tb.raw())
	assert.Equal(t, 1, obs.droppedCount(DropSendFailed))
}

func TestHub_AdmitRejectsEmptyIdentity(t *testing.T) {
	h := startHub(t)

	conn, err := h.Admit("", newFakeTransport())

	require.Error(t, err)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Zero(t, h.Count())
}

func TestHub_AuthorizerGatesJoin(t *testing.T) {
	obs := newRecordingObserver()
	auth := &fakeAuthorizer{allowed: map[string]bool{"A/ward-3": true}}
	h := startHub(t, WithObserver(obs), WithAuthorizer(auth))
	a, ta := admit(t, h, "A")
	b, _ := admit(t, h, "B")

	join(t, h, a, "ward-3")
	join(t, h, a, "icu")
	send(t, h, b, `{"type":"message","channelId":"icu","data":{}}`)
	send(t, h, b, `{"type":"message","channelId":"ward-3","data":{}}`)

	chans, err := h.Channels(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"ward-3"}, chans)
	assert.Len(t, ta.raw(), 1)
	assert.Equal(t, 1, obs.rejectedCount(RejectNotMember))
}

func TestHub_AuthorizerErrorFailsClosed(t *testing.T) {
	auth := &fakeAuthorizer{err: errors.New("db down")}
	h := startHub(t, WithAuthorizer(auth))
	a, _ := admit(t, h, "A")

	join(t, h, a, "chan1")

	chans, err := h.Channels(a)
	require.NoError(t, err)
	assert.Empty(t, chans)
}

func TestHub_RelayReceivesLocalFanOut(t *testing.T) {
	relay := &recordingRelay{}
	h := startHub(t, WithRelay(relay))
	a, _ := admit(t, h, "A")
	_, _ = admit(t, h, "B")
	join(t, h, a, "chan1")

	send(t, h, a, `{"type":"message","channelId":"chan1","data":{}}`)
	send(t, h, a, `{"type":"mention","mentionedUserId":"B","data":{}}`)
	send(t, h, a, `{"type":"mention","mentionedUserId":"remote","data":{}}`)

	channels, users := relay.snapshot()
	assert.Equal(t, []string{"chan1"}, channels)
	assert.Equal(t, []string{"remote"}, users, "only users missing locally are relayed")
}

func TestHub_DeliverDoesNotRelay(t *testing.T) {
	relay := &recordingRelay{}
	h := startHub(t, WithRelay(relay))
	a, ta := admit(t, h, "A")
	join(t, h, a, "chan1")

	n, err := h.DeliverToChannel("chan1", protocol.Response{Type: protocol.ResponseMessage}, "")
	require.NoError(t, err)
	ok, err := h.DeliverToUser("A", protocol.Response{Type: protocol.ResponseMention})
	require.NoError(t, err)
	missed, err := h.DeliverToUser("nobody", protocol.Response{Type: protocol.ResponseMention})
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.True(t, ok)
	assert.False(t, missed)
	assert.Len(t, ta.raw(), 2)
	channels, users := relay.snapshot()
	assert.Empty(t, channels)
	assert.Empty(t, users)
}

func TestHub_StopClosesTransportsAndRejectsWork(t *testing.T) {
	h := NewHub(WithLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	a, ta := admit(t, h, "A")
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, 1, ta.closeCount())
	assert.Zero(t, h.Count())

	_, err := h.Admit("B", newFakeTransport())
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.ErrorIs(t, h.Receive(context.Background(), a, []byte(`{"type":"join_channel","channelId":"c"}`)), ErrHubStopped)
	assert.ErrorIs(t, h.Disconnect(a, nil), ErrHubStopped)
	assert.Error(t, h.Run(context.Background()), "a hub runs once")
}
