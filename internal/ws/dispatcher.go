package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/realtime"
)

// maxFrameSize bounds a single inbound message, fragments included. Realtime
// events carry a message preview at most; full bodies stay with the REST
// layer.
const maxFrameSize = 64 << 10

var (
	errFrameTooLarge = errors.New("ws: frame too large")
	errPeerClosed    = errors.New("ws: close frame received")
)

// runEventLoop runs the poll wait loop. For each batch of ready connections,
// it dispatches each to a worker goroutine (bounded by the worker pool
// semaphore) that reads and processes one WebSocket frame.
func (s *Server) runEventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait(pollTimeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				errutil.LogWarn(s.logger, "poll wait failed", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. A
// fragmented message is read to its final fragment by the same worker, with
// control frames in between answered on the way. Text and binary payloads go
// to the hub; read errors and close frames remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	sock := s.sockets.Get(netConn)
	if sock == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&sock.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&sock.processing, 0)
	defer s.poller.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := &wsutil.Reader{
		Source:       netConn,
		State:        ws.StateServerSide,
		MaxFrameSize: maxFrameSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			sock.touch()
			return s.handleControl(sock, h, r)
		},
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection, the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(sock, readCause(err))
		return
	}

	// Any frame proves the connection is alive.
	sock.touch()

	if header.OpCode.IsControl() {
		if err := s.handleControl(sock, header, rd); err != nil {
			s.RemoveConnection(sock, readCause(err))
		}
		return
	}

	payload, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
	if err != nil {
		s.RemoveConnection(sock, readCause(err))
		return
	}
	if len(payload) > maxFrameSize {
		s.RemoveConnection(sock, errFrameTooLarge)
		return
	}

	// Clear read deadline after the whole message was read.
	_ = netConn.SetReadDeadline(time.Time{})

	if len(payload) == 0 {
		return
	}

	rc := sock.Connection()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReadTimeout+5*time.Second)
	defer cancel()
	if err := s.hub.Receive(ctx, rc, payload); err != nil && !errors.Is(err, realtime.ErrHubStopped) {
		errutil.LogError(s.logger.With("user_id", rc.UserID, "conn_id", rc.ID), "frame dispatch failed", err)
	}
}

// handleControl consumes a control frame body. A close frame is reported as
// errPeerClosed; a ping is answered unless the send queue is already full.
func (s *Server) handleControl(sock *Socket, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpClose:
		return errPeerClosed
	case ws.OpPing:
		if err := sock.WritePong(payload); err != nil && !errors.Is(err, ErrSendQueueFull) {
			return err
		}
	}
	// Pong: connection is alive, nothing else to do.
	return nil
}

// readCause maps a clean peer close to a nil cause.
func readCause(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, errPeerClosed) {
		return nil
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return nil
	}
	return err
}
