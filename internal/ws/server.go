// Package ws is the WebSocket transport of the realtime layer. It upgrades
// HTTP requests carrying a user identity, admits them into the realtime hub,
// reads frames through epoll and a bounded worker pool, and evicts dead
// sockets with a protocol-level heartbeat.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/samber/oops"

	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/presence"
	"github.com/Tao119/hospitalChatApp/internal/realtime"
)

const pollTimeoutMs = 200

// Admission rejection reasons reported to the AdmissionObserver.
const (
	RejectCapacity        = "capacity"
	RejectRateLimited     = "rate_limited"
	RejectMissingIdentity = "missing_identity"
	RejectHubUnavailable  = "hub_unavailable"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string         // address to listen on, e.g. ":8080"
	Node           string         // identifier of this process in presence entries
	WorkerPoolSize int            // max concurrent read-worker goroutines
	MaxConnections int            // hard cap on total connections
	ReadTimeout    time.Duration  // timeout for WebSocket read operations
	WriteTimeout   time.Duration  // timeout for WebSocket write operations
	SendQueueSize  int            // outbound frames buffered per socket before drops
	TrustedProxies []netip.Prefix // peers whose X-Forwarded-For is honored
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// PresenceStore records which node holds each user's live connection.
type PresenceStore interface {
	Set(ctx context.Context, e presence.Entry) error
	Get(ctx context.Context, userID string) (*presence.Entry, error)
	Delete(ctx context.Context, userID, connID string) (bool, error)
	Refresh(ctx context.Context, refs []presence.Ref) (int, error)
}

// ConnectLimiter throttles upgrades per remote address.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, addr string) (bool, error)
	ConnectRetryAfter(ctx context.Context, addr string) time.Duration
}

// AdmissionObserver counts upgrade requests refused before admission.
type AdmissionObserver interface {
	AdmissionRejected(reason string)
}

// Option configures a Server.
type Option func(*Server)

// WithPresence publishes presence entries on admission and disconnect.
func WithPresence(p PresenceStore) Option {
	return func(s *Server) { s.presence = p }
}

// WithLimiter rate limits upgrades.
func WithLimiter(l ConnectLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithAdmissionObserver reports refused upgrades.
func WithAdmissionObserver(o AdmissionObserver) Option {
	return func(s *Server) { s.admissions = o }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, admits them into the hub, and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	hub        *realtime.Hub
	poller     *Epoll
	sockets    *socketTable
	presence   PresenceStore
	limiter    ConnectLimiter
	admissions AdmissionObserver
	metrics    http.Handler
	logger     *slog.Logger
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	openOnce   sync.Once
	stopOnce   sync.Once
	stopMu     sync.Mutex // orders wg.Add for socket writers against Shutdown
	wg         sync.WaitGroup
	done       chan struct{}
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server feeding hub. The hub must be running.
func NewServer(config ServerConfig, hub *realtime.Hub, opts ...Option) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultServerConfig().SendQueueSize
	}
	s := &Server{
		config:     config,
		hub:        hub,
		sockets:    newSocketTable(),
		logger:     slog.Default(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Open creates the poller and starts the event loop and the heartbeat. It
// does not listen; Start does, and tests mount Handler on their own server.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		s.poller, err = NewEpoll()
		if err != nil {
			err = oops.Wrapf(err, "ws: create epoll")
			return
		}
		s.startedAt = time.Now()

		s.wg.Add(2)
		go s.runEventLoop()
		go s.runHeartbeat()
	})
	return err
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/presence", s.handlePresence)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start opens the server and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.logger.Info("server listening",
		"addr", s.config.ListenAddr,
		"node", s.config.Node,
		"workers", s.config.WorkerPoolSize,
		"max_connections", s.config.MaxConnections,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return oops.With("addr", s.config.ListenAddr).Wrapf(err, "ws: http server")
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader and admits it under the userId query
// parameter. A request without userId is upgraded and then closed with a
// close frame and no data frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.config.MaxConnections > 0 && s.sockets.Count() >= s.config.MaxConnections {
		s.reject(RejectCapacity)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remote := s.remoteIP(r)
	if s.limiter != nil {
		// The limiter fails open and already logged any Redis error.
		ok, _ := s.limiter.AllowConnect(r.Context(), remote)
		if !ok {
			s.reject(RejectRateLimited)
			if retry := s.limiter.ConnectRetryAfter(r.Context(), remote); retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID := r.URL.Query().Get("userId")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", remote, "error", err)
		return
	}

	if userID == "" {
		s.reject(RejectMissingIdentity)
		s.logger.Info("closing connection without identity", "remote", remote)
		closeRaw(conn, ws.StatusPolicyViolation, s.config.WriteTimeout)
		return
	}

	sock := newSocket(conn, userID, remote, s.config.WriteTimeout, s.config.SendQueueSize)
	sock.onClose = s.socketClosed
	if !s.startWriter(sock) {
		closeRaw(conn, ws.StatusGoingAway, s.config.WriteTimeout)
		return
	}

	rc, err := s.hub.Admit(userID, sock)
	if err != nil {
		s.reject(RejectHubUnavailable)
		errutil.LogError(s.logger.With("user_id", userID), "admission failed", err)
		sock.closeWith(ws.StatusGoingAway)
		return
	}
	sock.conn = rc

	// Frames are only read once the poller has the socket, after presence
	// is published.
	s.sockets.Add(sock)
	if s.stopping() || sock.State() != realtime.StateOpen {
		// Replaced by a newer connection, or shutting down, before
		// registration finished.
		s.RemoveConnection(sock, nil)
		return
	}
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		entry := presence.Entry{
			UserID:      userID,
			ConnID:      rc.ID,
			Node:        s.config.Node,
			ConnectedAt: rc.AdmittedAt.Unix(),
		}
		if err := s.presence.Set(ctx, entry); err != nil {
			errutil.LogWarn(s.logger.With("user_id", userID), "presence set failed", err)
		}
	}

	if err := s.poller.Add(conn); err != nil {
		errutil.LogError(s.logger.With("user_id", userID, "conn_id", rc.ID), "poller add failed", err)
		s.RemoveConnection(sock, err)
		return
	}

	s.logger.Debug("socket registered",
		"user_id", userID,
		"conn_id", rc.ID,
		"fd", sock.Fd,
		"sockets", s.sockets.Count(),
	)
}

// socketClosed is called once per socket by its writer after the network
// connection was closed, including closes initiated by the hub when a user
// reconnects and closes caused by a failed write.
func (s *Server) socketClosed(sock *Socket) {
	if !s.sockets.has(sock) {
		return
	}
	go s.RemoveConnection(sock, sock.Err())
}

// RemoveConnection removes a socket from the poller, the socket table and the
// hub, closes it, and clears its presence entry. It is safe to call from
// several goroutines; only the first call does the work.
func (s *Server) RemoveConnection(sock *Socket, cause error) {
	if s.poller != nil {
		_ = s.poller.Remove(sock.Conn)
	}

	// Guard: only proceed if the socket was actually in the table.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same socket (e.g., read error + heartbeat timeout).
	if !s.sockets.Remove(sock) {
		return
	}

	rc := sock.Connection()
	if err := s.hub.Disconnect(rc, cause); err != nil {
		_ = sock.Close()
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := s.presence.Delete(ctx, rc.UserID, rc.ID); err != nil {
			errutil.LogWarn(s.logger.With("user_id", rc.UserID), "presence delete failed", err)
		}
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Load balancers poll it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Node        string `json:"node"`
		Connections int    `json:"connections"`
		Sockets     int    `json:"sockets"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Node:        s.config.Node,
		Connections: s.hub.Count(),
		Sockets:     s.sockets.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handlePresence reports whether a user has a live connection on any node.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "presence disabled"})
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId required"})
		return
	}

	entry, err := s.presence.Get(r.Context(), userID)
	if err != nil {
		errutil.LogError(s.logger.With("user_id", userID), "presence lookup failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Online bool            `json:"online"`
		Entry  *presence.Entry `json:"entry,omitempty"`
	}{Online: entry != nil, Entry: entry})
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, closes every socket and the poller, and waits for workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down server")
		s.stopMu.Lock()
		close(s.done)
		s.stopMu.Unlock()

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = oops.Wrapf(herr, "ws: http shutdown")
		}

		for _, sock := range s.sockets.All() {
			s.RemoveConnection(sock, nil)
		}

		s.wg.Wait()
		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.logger.Info("server stopped")
	})
	return err
}

// startWriter runs the socket's writer under the server's wait group. It
// refuses once Shutdown began.
func (s *Server) startWriter(sock *Socket) bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopping() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sock.writeLoop()
	}()
	return true
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) reject(reason string) {
	if s.admissions != nil {
		s.admissions.AdmissionRejected(reason)
	}
}

func (t *socketTable) has(sock *Socket) bool {
	return t.Get(sock.Conn) == sock
}

// closeRaw closes a connection that never became a Socket.
func closeRaw(conn net.Conn, code ws.StatusCode, timeout time.Duration) {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
	_ = conn.Close()
}

// remoteIP returns the address the rate limiter keys on. X-Forwarded-For is
// only read when the peer is a trusted proxy; the hops are then walked from
// the right and the first untrusted one wins.
func (s *Server) remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.trusted(host) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.trusted(hop) {
			return hop
		}
		host = hop
	}
	return host
}

func (s *Server) trusted(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range s.config.TrustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses addresses and CIDR prefixes. A bare address is
// taken as a single-host prefix.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, oops.With("value", v).Wrapf(err, "ws: trusted proxy")
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(v)
		if err != nil {
			return nil, oops.With("value", v).Wrapf(err, "ws: trusted proxy")
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
