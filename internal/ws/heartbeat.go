package ws

import (
	"context"
	"errors"
	"time"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/presence"
)

var errHeartbeatTimeout = errors.New("ws: heartbeat timeout")

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // evict sockets with no frame for this long (default: 90s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  90 * time.Second,
	}
}

// runHeartbeat periodically pings every socket, evicts the silent ones and
// refreshes the presence entries of the rest. It returns when the server's
// done channel is closed.
func (s *Server) runHeartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections()
		}
	}
}

// checkConnections queues a WebSocket-level ping frame (opcode 0x9), which
// browsers answer automatically with a pong, for every socket that has been
// read from within the timeout.
func (s *Server) checkConnections() {
	now := time.Now()
	alive := make([]presence.Ref, 0, s.sockets.Count())

	for _, sock := range s.sockets.All() {
		if idle := now.Sub(sock.LastSeen()); idle > s.config.Heartbeat.Timeout {
			s.logger.Info("heartbeat timeout",
				"user_id", sock.UserID,
				"idle", idle.Round(time.Second).String(),
			)
			s.RemoveConnection(sock, errHeartbeatTimeout)
			continue
		}

		// A full queue means writes are backed up; the write deadline
		// evicts the socket if they never drain.
		if err := sock.WritePing(); err != nil && !errors.Is(err, ErrSendQueueFull) {
			s.RemoveConnection(sock, err)
			continue
		}
		if rc := sock.Connection(); rc != nil {
			alive = append(alive, presence.Ref{UserID: rc.UserID, ConnID: rc.ID})
		}
	}

	if s.presence == nil || len(alive) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.presence.Refresh(ctx, alive); err != nil {
		errutil.LogWarn(s.logger, "presence refresh failed", err)
	}
}
