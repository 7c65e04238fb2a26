package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/Tao119/hospitalChatApp/internal/realtime"
)

var (
	// ErrSocketClosed is returned by Send once the socket left the open state.
	ErrSocketClosed = errors.New("ws: socket closed")

	// ErrSendQueueFull is returned by Send when the peer is not draining its
	// frames. The frame is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// closeFrameTimeout bounds the close frame written on the way out.
const closeFrameTimeout = time.Second

type outFrame struct {
	op      ws.OpCode
	payload []byte
}

// Socket is one upgraded WebSocket connection. It implements
// realtime.Transport. Outbound frames go through a bounded queue drained by
// writeLoop, so callers never block on the network.
type Socket struct {
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor registered with epoll, -1 on fallback
	UserID     string    // identity from the upgrade request
	RemoteAddr string    // client address used for rate limiting
	CreatedAt  time.Time // when the upgrade completed

	conn         *realtime.Connection // registry entry, set after admission
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	state        atomic.Int32 // realtime.State
	processing   int32        // atomic flag: 0 = idle, 1 = being read by a worker
	out          chan outFrame
	quit         chan struct{}
	closeOnce    sync.Once
	closeCode    ws.StatusCode
	err          error // first write failure, owned by writeLoop
	onClose      func(*Socket)
}

var _ realtime.Transport = (*Socket)(nil)

func newSocket(conn net.Conn, userID, remote string, writeTimeout time.Duration, queueSize int) *Socket {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Socket{
		Conn:         conn,
		Fd:           socketFD(conn),
		UserID:       userID,
		RemoteAddr:   remote,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan outFrame, queueSize),
		quit:         make(chan struct{}),
		closeCode:    ws.StatusNormalClosure,
	}
	s.state.Store(int32(realtime.StateOpen))
	s.touch()
	return s
}

// Connection returns the registry entry bound to the socket.
func (s *Socket) Connection() *realtime.Connection {
	return s.conn
}

// Send queues a WebSocket text frame.
func (s *Socket) Send(frame []byte) error {
	return s.enqueue(outFrame{op: ws.OpText, payload: frame})
}

// WritePing queues a protocol-level ping frame (opcode 0x9).
func (s *Socket) WritePing() error {
	return s.enqueue(outFrame{op: ws.OpPing})
}

// WritePong queues the answer to a client ping.
func (s *Socket) WritePong(payload []byte) error {
	return s.enqueue(outFrame{op: ws.OpPong, payload: payload})
}

func (s *Socket) enqueue(f outFrame) error {
	if s.State() != realtime.StateOpen {
		return ErrSocketClosed
	}
	select {
	case s.out <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// State reports the lifecycle state of the socket.
func (s *Socket) State() realtime.State {
	return realtime.State(s.state.Load())
}

// Close stops the socket. writeLoop sends a normal-closure frame, closes the
// network connection and notifies the server. Close does not wait for it and
// is safe to call more than once.
func (s *Socket) Close() error {
	s.closeWith(ws.StatusNormalClosure)
	return nil
}

func (s *Socket) closeWith(code ws.StatusCode) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.state.Store(int32(realtime.StateClosing))
		close(s.quit)
	})
}

// Err returns the write failure that closed the socket, if any. It is only
// meaningful once the socket is closed.
func (s *Socket) Err() error {
	return s.err
}

// writeLoop is the only writer of the connection. A failed write closes the
// socket: a timed out frame may be half on the wire.
func (s *Socket) writeLoop() {
	defer s.finish()
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.out:
			if err := s.write(f, s.writeTimeout); err != nil {
				s.err = err
				s.closeWith(ws.StatusGoingAway)
				return
			}
		}
	}
}

func (s *Socket) finish() {
	if s.err == nil {
		timeout := closeFrameTimeout
		if s.writeTimeout > 0 && s.writeTimeout < timeout {
			timeout = s.writeTimeout
		}
		body := ws.NewCloseFrameBody(s.closeCode, "")
		_ = s.write(outFrame{op: ws.OpClose, payload: body}, timeout)
	}
	_ = s.Conn.Close()
	s.state.Store(int32(realtime.StateClosed))

	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Socket) write(f outFrame, timeout time.Duration) error {
	if timeout > 0 {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return ws.WriteFrame(s.Conn, ws.NewFrame(f.op, true, f.payload))
}

func (s *Socket) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the socket.
func (s *Socket) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// socketTable is a thread-safe set of live sockets keyed by their network
// connection, which is what the poller reports.
type socketTable struct {
	mu     sync.RWMutex
	byConn map[net.Conn]*Socket
}

func newSocketTable() *socketTable {
	return &socketTable{byConn: make(map[net.Conn]*Socket)}
}

func (t *socketTable) Add(s *Socket) {
	t.mu.Lock()
	t.byConn[s.Conn] = s
	t.mu.Unlock()
}

// Remove reports whether s was present. Only the first of several racing
// removals returns true.
func (t *socketTable) Remove(s *Socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byConn[s.Conn]; !ok || cur != s {
		return false
	}
	delete(t.byConn, s.Conn)
	return true
}

func (t *socketTable) Get(c net.Conn) *Socket {
	t.mu.RLock()
	s := t.byConn[c]
	t.mu.RUnlock()
	return s
}

func (t *socketTable) Count() int {
	t.mu.RLock()
	n := len(t.byConn)
	t.mu.RUnlock()
	return n
}

// All returns a snapshot safe to iterate without holding the lock.
func (t *socketTable) All() []*Socket {
	t.mu.RLock()
	out := make([]*Socket, 0, len(t.byConn))
	for _, s := range t.byConn {
		out = append(out, s)
	}
	t.mu.RUnlock()
	return out
}
