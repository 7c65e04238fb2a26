package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Tao119/hospitalChatApp/internal/presence"
	"github.com/Tao119/hospitalChatApp/internal/protocol"
	"github.com/Tao119/hospitalChatApp/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePresence struct {
	mu      sync.Mutex
	entries map[string]presence.Entry
	deletes int
}

func newFakePresence() *fakePresence {
	return &fakePresence{entries: make(map[string]presence.Entry)}
}

func (p *fakePresence) Set(_ context.Context, e presence.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.UserID] = e
	return nil
}

func (p *fakePresence) Get(_ context.Context, userID string) (*presence.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (p *fakePresence) Delete(_ context.Context, userID, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	if e, ok := p.entries[userID]; ok && e.ConnID == connID {
		delete(p.entries, userID)
		return true, nil
	}
	return false, nil
}

func (p *fakePresence) Refresh(context.Context, []presence.Ref) (int, error) {
	return 0, nil
}

type denyLimiter struct{}

func (denyLimiter) AllowConnect(context.Context, string) (bool, error)     { return false, nil }
func (denyLimiter) ConnectRetryAfter(context.Context, string) time.Duration { return 30 * time.Second }

type admissionCounter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *admissionCounter) AdmissionRejected(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

func (a *admissionCounter) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reasons...)
}

type stack struct {
	hub    *realtime.Hub
	server *Server
	http   *httptest.Server
}

func startStack(t *testing.T, cfg ServerConfig, opts ...Option) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := realtime.NewHub(realtime.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	srv := NewServer(cfg, hub, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, srv.Open())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(context.Background()))
		ts.Close()
		http.DefaultClient.CloseIdleConnections()
		cancel()
		require.NoError(t, <-hubDone)
	})
	return &stack{hub: hub, server: srv, http: ts}
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, Timeout: 2 * time.Hour}
	return cfg
}

// client wraps a dialed connection, reading through the handshake buffer
// when the server already sent frames.
type client struct {
	net.Conn
	r io.Reader
}

func (c *client) Read(p []byte) (int, error) { return c.r.Read(p) }

func (st *stack) dial(t *testing.T, query string) *client {
	t.Helper()
	c, err := st.tryDial(query)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (st *stack) tryDial(query string) (*client, error) {
	url := "ws" + strings.TrimPrefix(st.http.URL, "http") + "/ws" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &client{Conn: conn, r: r}, nil
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c, []byte(frame)))
}

func (c *client) next(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(c)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// joinAndSync joins channelID and waits until the hub applied it by sending a
// mention to the connection's own identity.
func (c *client) joinAndSync(t *testing.T, userID, channelID string) {
	t.Helper()
	c.send(t, `{"type":"join_channel","channelId":"`+channelID+`"}`)
	c.send(t, `{"type":"mention","mentionedUserId":"`+userID+`","data":{"sync":true}}`)
	got := c.next(t)
	require.Equal(t, "mention", got["type"])
}

func TestServer_ChannelFanOut(t *testing.T) {
	st := startStack(t, testConfig())
	a := st.dial(t, "?userId=A")
	b := st.dial(t, "?userId=B")
	a.joinAndSync(t, "A", "chan1")
	b.joinAndSync(t, "B", "chan1")

	a.send(t, `{"type":"message","channelId":"chan1","data":{"text":"hello"}}`)

	for _, c := range []*client{a, b} {
		got := c.next(t)
		assert.Equal(t, "message", got["type"])
		assert.Equal(t, map[string]any{"text": "hello"}, got["data"])
	}
}

func TestServer_MalformedFrameKeepsSocketOpen(t *testing.T) {
	st := startStack(t, testConfig())
	a := st.dial(t, "?userId=A")

	a.send(t, `{{not json`)
	a.joinAndSync(t, "A", "chan1")

	assert.Equal(t, 1, st.hub.Count())
}

func TestServer_MissingIdentityClosesWithoutData(t *testing.T) {
	counter := &admissionCounter{}
	st := startStack(t, testConfig(), WithAdmissionObserver(counter))
	c := st.dial(t, "")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ws.ReadFrame(c)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, frame.Header.OpCode)
	assert.Zero(t, st.hub.Count())
	assert.Equal(t, []string{RejectMissingIdentity}, counter.snapshot())
}

func TestServer_ReconnectReplacesSocket(t *testing.T) {
	pres := newFakePresence()
	st := startStack(t, testConfig(), WithPresence(pres))
	first := st.dial(t, "?userId=A")
	first.joinAndSync(t, "A", "chan1")
	entry, _ := pres.Get(context.Background(), "A")
	require.NotNil(t, entry)
	firstConnID := entry.ConnID

	second := st.dial(t, "?userId=A")
	second.joinAndSync(t, "A", "chan2")

	// The stale socket receives the close frame.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := wsutil.ReadServerText(first)
	require.Error(t, err)

	assert.Eventually(t, func() bool { return st.server.sockets.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, st.hub.Count())
	entry, _ = pres.Get(context.Background(), "A")
	require.NotNil(t, entry)
	assert.NotEqual(t, firstConnID, entry.ConnID, "stale close must not clear the successor's presence")
}

func TestServer_ClientCloseRemovesConnection(t *testing.T) {
	pres := newFakePresence()
	st := startStack(t, testConfig(), WithPresence(pres))
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "chan1")
	require.Equal(t, 1, st.hub.Count())

	_ = ws.WriteFrame(a, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	_ = a.Close()

	assert.Eventually(t, func() bool { return st.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		e, _ := pres.Get(context.Background(), "A")
		return e == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConnectionCap(t *testing.T) {
	counter := &admissionCounter{}
	cfg := testConfig()
	cfg.MaxConnections = 1
	st := startStack(t, cfg, WithAdmissionObserver(counter))
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "chan1")

	_, err := st.tryDial("?userId=B")
	require.Error(t, err)
	assert.Equal(t, []string{RejectCapacity}, counter.snapshot())
}

func TestServer_RateLimited(t *testing.T) {
	counter := &admissionCounter{}
	st := startStack(t, testConfig(), WithLimiter(denyLimiter{}), WithAdmissionObserver(counter))

	resp, err := http.Get(st.http.URL + "/ws?userId=A")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	assert.Equal(t, []string{RejectRateLimited}, counter.snapshot())
}

func TestServer_Health(t *testing.T) {
	cfg := testConfig()
	cfg.Node = "node-a"
	st := startStack(t, cfg)
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "c")

	resp, err := http.Get(st.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-a", body["node"])
	assert.Equal(t, 1.0, body["connections"])
}

func TestServer_Presence(t *testing.T) {
	pres := newFakePresence()
	st := startStack(t, testConfig(), WithPresence(pres))
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "c")

	get := func(query string) (int, map[string]any) {
		resp, err := http.Get(st.http.URL + "/presence" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("?userId=A")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["online"])

	code, body = get("?userId=Z")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["online"])

	code, _ = get("")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_PresenceDisabled(t *testing.T) {
	st := startStack(t, testConfig())

	resp, err := http.Get(st.http.URL + "/presence?userId=A")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoteIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		proxies []netip.Prefix
		remote  string
		fwd     string
		want    string
	}{
		{"no proxies ignores header", nil, "203.0.113.9:5555", "10.0.0.1", "203.0.113.9"},
		{"untrusted peer ignores header", proxies, "203.0.113.9:5555", "198.51.100.4", "203.0.113.9"},
		{"trusted peer honors header", proxies, "10.1.2.3:5555", "198.51.100.4", "198.51.100.4"},
		{"rightmost untrusted hop wins", proxies, "10.1.2.3:5555", "6.6.6.6, 198.51.100.4, 10.0.0.9", "198.51.100.4"},
		{"single host proxy", proxies, "192.168.1.1:80", "198.51.100.4", "198.51.100.4"},
		{"trusted peer without header", proxies, "10.1.2.3:5555", "", "10.1.2.3"},
		{"all hops trusted", proxies, "10.1.2.3:5555", "10.0.0.7", "10.0.0.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: ServerConfig{TrustedProxies: tt.proxies}}
			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.fwd != "" {
				r.Header.Set("X-Forwarded-For", tt.fwd)
			}
			assert.Equal(t, tt.want, s.remoteIP(r))
		})
	}
}

func TestRemoteIP_ForgedHeadersShareOneKey(t *testing.T) {
	s := &Server{}
	keys := make(map[string]struct{})
	for _, fwd := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "203.0.113.9:5555"
		r.Header.Set("X-Forwarded-For", fwd)
		keys[s.remoteIP(r)] = struct{}{}
	}
	assert.Len(t, keys, 1)
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	require.Error(t, err)
}

func TestServer_FragmentedMessageIsReassembled(t *testing.T) {
	st := startStack(t, testConfig())
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "chan1")

	frames := []ws.Frame{
		ws.NewFrame(ws.OpText, false, []byte(`{"type":"message",`)),
		ws.NewPingFrame([]byte("mid")),
		ws.NewFrame(ws.OpContinuation, false, []byte(`"channelId":"chan1",`)),
		ws.NewFrame(ws.OpContinuation, true, []byte(`"data":{"text":"split"}}`)),
	}
	for _, f := range frames {
		require.NoError(t, ws.WriteFrame(a, ws.MaskFrameInPlace(f)))
	}

	got := a.next(t)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, map[string]any{"text": "split"}, got["data"])
	assert.Equal(t, 1, st.hub.Count())
}

func TestServer_StrayContinuationClosesSocket(t *testing.T) {
	st := startStack(t, testConfig())
	a := st.dial(t, "?userId=A")
	a.joinAndSync(t, "A", "chan1")

	f := ws.NewFrame(ws.OpContinuation, true, []byte(`{"type":"read"}`))
	require.NoError(t, ws.WriteFrame(a, ws.MaskFrameInPlace(f)))

	assert.Eventually(t, func() bool { return st.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type dropCounter struct {
	realtime.NopObserver
	mu    sync.Mutex
	drops map[realtime.DropReason]int
}

func (d *dropCounter) Dropped(_ string, reason realtime.DropReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drops == nil {
		d.drops = make(map[realtime.DropReason]int)
	}
	d.drops[reason]++
}

func (d *dropCounter) count(reason realtime.DropReason) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops[reason]
}

// pipeSocket runs a Socket over one end of net.Pipe. Nothing reads the
// other end unless the test does.
func pipeSocket(t *testing.T, userID string, writeTimeout time.Duration, queue int) (*Socket, net.Conn) {
	t.Helper()
	srvEnd, cliEnd := net.Pipe()
	sock := newSocket(srvEnd, userID, "pipe", writeTimeout, queue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sock.writeLoop()
	}()
	t.Cleanup(func() {
		_ = cliEnd.Close()
		_ = sock.Close()
		<-done
	})
	return sock, cliEnd
}

func TestSocket_SlowConsumerDoesNotStallHub(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	drops := &dropCounter{}
	hub := realtime.NewHub(realtime.WithLogger(logger), realtime.WithObserver(drops))
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-hubDone)
	})

	slow, _ := pipeSocket(t, "slow", 200*time.Millisecond, 2)
	closed := make(chan error, 1)
	slow.onClose = func(s *Socket) { closed <- s.Err() }
	other, otherEnd := pipeSocket(t, "other", 2*time.Second, 8)

	received := make(chan []byte, 8)
	go func() {
		defer close(received)
		for {
			data, err := wsutil.ReadServerText(otherEnd)
			if err != nil {
				return
			}
			received <- data
		}
	}()

	slowConn, err := hub.Admit("slow", slow)
	require.NoError(t, err)
	_, err = hub.Admit("other", other)
	require.NoError(t, err)
	require.NoError(t, hub.Receive(context.Background(), slowConn, []byte(`{"type":"join_channel","channelId":"ward1"}`)))

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := hub.DeliverToChannel("ward1", protocol.Response{Type: protocol.ResponseMessage, Data: json.RawMessage(`{"n":1}`)}, "")
		require.NoError(t, err)
	}
	ok, err := hub.DeliverToUser("other", protocol.Response{Type: protocol.ResponseMention, Data: json.RawMessage(`{"m":1}`)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "deliveries must not wait on an undrained socket")

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"mention","data":{"m":1}}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("mention never reached the drained socket")
	}
	assert.GreaterOrEqual(t, drops.count(realtime.DropSendFailed), 2)

	// The stalled write times out and closes the socket.
	select {
	case cause := <-closed:
		var netErr net.Error
		require.ErrorAs(t, cause, &netErr)
		assert.True(t, netErr.Timeout())
	case <-time.After(2 * time.Second):
		t.Fatal("slow socket was never closed")
	}
	assert.Equal(t, realtime.StateClosed, slow.State())
	assert.ErrorIs(t, slow.Send([]byte(`{}`)), ErrSocketClosed)
}

func TestSocket_CloseWritesCloseFrame(t *testing.T) {
	sock, cliEnd := pipeSocket(t, "A", time.Second, 4)
	require.NoError(t, sock.Send([]byte(`{"type":"read"}`)))
	frame, err := ws.ReadFrame(cliEnd)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, frame.Header.OpCode)
	assert.Equal(t, `{"type":"read"}`, string(frame.Payload))

	require.NoError(t, sock.Close())
	frame, err = ws.ReadFrame(cliEnd)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, frame.Header.OpCode)
	assert.NoError(t, sock.Close(), "second close is a no-op")
}

func TestServer_HeartbeatEvictsSilentSocket(t *testing.T) {
	pres := newFakePresence()
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond}
	st := startStack(t, cfg, WithPresence(pres))

	// The client never reads, so pings go unanswered and nothing refreshes
	// the socket's last-seen time.
	st.dial(t, "?userId=A")
	require.Eventually(t, func() bool { return st.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return st.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		e, _ := pres.Get(context.Background(), "A")
		return e == nil
	}, 2*time.Second, 10*time.Millisecond)
}
