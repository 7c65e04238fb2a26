package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/Tao119/hospitalChatApp/internal/config"
	"github.com/Tao119/hospitalChatApp/internal/errutil"
	"github.com/Tao119/hospitalChatApp/internal/logging"
	"github.com/Tao119/hospitalChatApp/internal/membership"
	"github.com/Tao119/hospitalChatApp/internal/messaging"
	"github.com/Tao119/hospitalChatApp/internal/metrics"
	"github.com/Tao119/hospitalChatApp/internal/presence"
	"github.com/Tao119/hospitalChatApp/internal/ratelimit"
	"github.com/Tao119/hospitalChatApp/internal/realtime"
	"github.com/Tao119/hospitalChatApp/internal/ws"
)

const (
	shutdownTimeout   = 15 * time.Second
	membershipTimeout = 2 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime WebSocket server",
		Long: `Run the realtime WebSocket server. Redis enables presence and connection
rate limiting, NATS relays fan-out between nodes, and PostgreSQL gates channel
joins on the persisted member list. Each backend is optional.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func nodeID(cfg *config.Config) string {
	if cfg.Node != "" {
		return cfg.Node
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return "node-" + uuid.NewString()[:8]
}

func runServe(ctx context.Context, cfg *config.Config) error {
	node := nodeID(cfg)
	logger := logging.SetDefault("hospitalchat", version, cfg.Log.Format, cfg.Log.Level).With("node", node)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hubOpts := []realtime.HubOption{
		realtime.WithObserver(m),
		realtime.WithLogger(logger),
	}
	srvOpts := []ws.Option{
		ws.WithLogger(logger),
		ws.WithAdmissionObserver(m),
		ws.WithMetricsHandler(m.Handler()),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return oops.With("addr", cfg.Redis.Addr).Wrapf(err, "redis ping")
		}

		srvOpts = append(srvOpts, ws.WithPresence(presence.NewStore(rdb, cfg.Redis.PresenceTTL)))
		if cfg.RateLimit.Connects > 0 {
			rule := ratelimit.RuleConnect
			rule.Limit = cfg.RateLimit.Connects
			rule.Window = cfg.RateLimit.Window
			srvOpts = append(srvOpts, ws.WithLimiter(ratelimit.NewLimiter(rdb, rule, logger)))
		}
		logger.Info("redis enabled", "addr", cfg.Redis.Addr, "connect_limit", cfg.RateLimit.Connects)
	}

	if cfg.Postgres.DSN != "" {
		db, err := membership.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		verifier := membership.NewVerifier(db, membershipTimeout)
		defer verifier.Close()
		hubOpts = append(hubOpts, realtime.WithAuthorizer(verifier))
		logger.Info("join verification enabled")
	}

	var (
		nc    *messaging.NATSClient
		relay *messaging.Relay
	)
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "hospitalchat-" + node

		var err error
		nc, err = messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		relay = messaging.NewRelay(nc, cfg.NATS.Subject, node,
			messaging.WithObserver(m),
			messaging.WithLogger(logger),
		)
		hubOpts = append(hubOpts, realtime.WithRelay(relay))
	}

	hub := realtime.NewHub(hubOpts...)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(hubCtx) }()

	if relay != nil {
		if err := relay.Start(nc, hub); err != nil {
			stopHub()
			<-hubDone
			return err
		}
	}

	proxies, err := ws.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		stopHub()
		<-hubDone
		return oops.Code(config.CodeInvalidConfig).Wrap(err)
	}

	srv := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.Addr,
		Node:           node,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SendQueueSize:  cfg.Server.SendQueue,
		TrustedProxies: proxies,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}, hub, srvOpts...)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err = <-serveErr:
		if err != nil {
			errutil.LogError(logger, "server failed", err)
		}
		shutdown(logger, srv)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdown(logger, srv)
		err = <-serveErr
	}

	stopHub()
	if herr := <-hubDone; herr != nil && err == nil {
		err = herr
	}
	return err
}

func shutdown(logger *slog.Logger, srv *ws.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errutil.LogError(logger, "server shutdown", err)
	}
}
