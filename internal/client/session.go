// Package client is the consumer side of the realtime layer: a Session keeps
// one WebSocket open for a user, reconnects on a flat interval, and exposes
// the most recent server event.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// CodeNotConnected tags outbound operations attempted without an open socket.
const CodeNotConnected = "NOT_CONNECTED"

// ErrNotConnected is returned by outbound operations while the session is
// not connected. The frame is dropped.
var ErrNotConnected = errors.New("client: not connected")

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectPolicy is a flat retry interval. MaxAttempts bounds the dial
// attempts per outage; zero means unlimited.
type ReconnectPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy retries every three seconds forever.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Interval: 3 * time.Second}
}

func (p ReconnectPolicy) backoff() retry.Backoff {
	interval := p.Interval
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return interval, false
	})
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}

// Config configures a Session.
type Config struct {
	URL         string // server endpoint, e.g. ws://localhost:8080/ws
	UserID      string
	Reconnect   ReconnectPolicy
	DialTimeout time.Duration
	Logger      *slog.Logger

	// OnStatus is called with true when the socket opens and false when it
	// closes. It runs on the session goroutine and must not call Disconnect.
	OnStatus func(connected bool)
}

// Session is a reconnecting realtime connection for one user.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	conn   net.Conn
	cancel context.CancelFunc // non-nil while the connect loop runs
	gen    uint64             // identifies the live connect loop
	latest *protocol.Response
	notify chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a disconnected Session.
func New(cfg Config) *Session {
	if cfg.Reconnect.Interval <= 0 && cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("user_id", cfg.UserID),
		notify: make(chan struct{}, 1),
	}
}

// Connect starts the connect loop. It is a no-op without a user identity or
// while a connection exists or is being established.
func (s *Session) Connect() {
	if s.cfg.UserID == "" {
		s.logger.Warn("connect skipped, no user identity")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gen++
	s.state = StateConnecting

	s.wg.Add(1)
	go s.run(ctx, cancel, s.gen)
}

// Disconnect cancels any pending reconnect and closes the socket. It waits
// for the session goroutine to exit and is safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the socket is open.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Latest returns the most recent unconsumed event without consuming it.
func (s *Session) Latest() (protocol.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return protocol.Response{}, false
	}
	return *s.latest, true
}

// Next waits for an event and consumes it. Only the most recent event is
// kept; earlier unconsumed events are lost.
func (s *Session) Next(ctx context.Context) (protocol.Response, error) {
	for {
		s.mu.Lock()
		if s.latest != nil {
			r := *s.latest
			s.latest = nil
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		}
	}
}

// run is the connect loop started by Connect. Every state change it makes is
// dropped once a later Connect started another loop.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer s.wg.Done()
	defer s.loopDone(gen)
	defer cancel()

	immediate := true
	for {
		conn, r, err := s.dial(ctx, gen, immediate)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("giving up reconnecting", "error", err)
			}
			return
		}
		immediate = false

		s.serve(ctx, gen, conn, r)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("disconnected, reconnect scheduled", "in", s.cfg.Reconnect.Interval.String())
	}
}

// dial connects under the reconnect policy. After an outage the first
// attempt waits one interval.
func (s *Session) dial(ctx context.Context, gen uint64, immediate bool) (net.Conn, io.Reader, error) {
	if !immediate {
		t := time.NewTimer(s.cfg.Reconnect.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		}
	}

	endpoint, err := s.endpoint()
	if err != nil {
		return nil, nil, err
	}

	var (
		conn net.Conn
		r    io.Reader
	)
	dialer := ws.Dialer{Timeout: s.cfg.DialTimeout}
	err = retry.Do(ctx, s.cfg.Reconnect.backoff(), func(ctx context.Context) error {
		s.setState(gen, StateConnecting)
		c, br, _, err := dialer.Dial(ctx, endpoint)
		if err != nil {
			s.setState(gen, StateDisconnected)
			s.logger.Warn("dial failed", "error", err)
			return retry.RetryableError(err)
		}
		conn, r = c, reader(c, br)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, r, nil
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", oops.With("url", s.cfg.URL).Wrapf(err, "parse server url")
	}
	q := u.Query()
	q.Set("userId", s.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve reads frames until the socket closes or ctx is cancelled.
func (s *Session) serve(ctx context.Context, gen uint64, conn net.Conn, r io.Reader) {
	s.mu.Lock()
	live := s.gen == gen
	if live {
		s.conn = conn
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.logger.Info("connected")
	if live {
		s.status(true)
	}

	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		s.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	if err := s.readLoop(conn, r); err != nil && ctx.Err() == nil {
		s.logger.Warn("connection lost", "error", err)
	}

	s.mu.Lock()
	live = s.gen == gen
	if live {
		s.conn = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	_ = conn.Close()
	if live {
		s.status(false)
	}
}

func (s *Session) readLoop(conn net.Conn, r io.Reader) error {
	rd := &wsutil.Reader{Source: r, State: ws.StateClientSide, CheckUTF8: true}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		payload, err := io.ReadAll(rd)
		if err != nil {
			return err
		}

		switch hdr.OpCode {
		case ws.OpClose:
			return nil
		case ws.OpPing:
			if err := s.writeFrame(conn, ws.NewPongFrame(payload)); err != nil {
				return err
			}
			continue
		case ws.OpText:
		default:
			continue
		}

		resp, err := protocol.ParseServerMessage(payload)
		if err != nil {
			s.logger.Warn("failed to parse server frame", "error", err)
			continue
		}
		s.store(resp)
	}
}

func (s *Session) store(resp protocol.Response) {
	s.mu.Lock()
	s.latest = &resp
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) setState(gen uint64, st State) {
	s.mu.Lock()
	if s.gen == gen {
		s.state = st
	}
	s.mu.Unlock()
}

// loopDone clears the loop handle when the loop ends on its own, so a later
// Connect can start again. A loop superseded by a newer Connect leaves the
// newer one alone.
func (s *Session) loopDone(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.cancel = nil
	s.state = StateDisconnected
}

func (s *Session) status(connected bool) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(connected)
	}
}

func (s *Session) writeFrame(conn net.Conn, f ws.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteFrame(conn, ws.MaskFrameInPlace(f))
}

// Send encodes v and writes it as a text frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return oops.Wrapf(err, "marshal frame")
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		s.logger.Warn("dropping frame, not connected", "state", state.String())
		return oops.Code(CodeNotConnected).With("state", state.String()).Wrap(ErrNotConnected)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return oops.Wrapf(err, "write frame")
	}
	return nil
}

// JoinChannel starts observing channelID.
func (s *Session) JoinChannel(channelID string) error {
	return s.Send(protocol.JoinChannelMsg{Type: protocol.TypeJoinChannel, ChannelID: channelID})
}

// LeaveChannel stops observing channelID.
func (s *Session) LeaveChannel(channelID string) error {
	return s.Send(protocol.LeaveChannelMsg{Type: protocol.TypeLeaveChannel, ChannelID: channelID})
}

// SendMessage announces a persisted message to every observer of channelID,
// this session included.
func (s *Session) SendMessage(channelID string, data any) error {
	raw, err := rawData(data)
	if err != nil {
		return err
	}
	return s.Send(protocol.ChatMsg{Type: protocol.TypeMessage, ChannelID: channelID, Data: raw})
}

// SendMention notifies userID directly.
func (s *Session) SendMention(userID string, data any) error {
	raw, err := rawData(data)
	if err != nil {
		return err
	}
	return s.Send(protocol.MentionMsg{Type: protocol.TypeMention, MentionedUserID: userID, Data: raw})
}

// SendRead announces a read receipt to the other observers of channelID.
func (s *Session) SendRead(channelID string, data any) error {
	raw, err := rawData(data)
	if err != nil {
		return err
	}
	return s.Send(protocol.ReadMsg{Type: protocol.TypeRead, ChannelID: channelID, Data: raw})
}

// SendTyping announces that this user is composing in threadID.
func (s *Session) SendTyping(channelID, threadID, userName string) error {
	return s.Send(protocol.TypingMsg{
		Type:      protocol.TypeTyping,
		ChannelID: channelID,
		ThreadID:  threadID,
		Data:      &protocol.TypingData{UserID: s.cfg.UserID, UserName: userName},
	})
}

func rawData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Wrapf(err, "marshal event data")
	}
	return raw, nil
}

func reader(conn net.Conn, br *bufio.Reader) io.Reader {
	if br == nil {
		return conn
	}
	return io.MultiReader(br, conn)
}
