package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/Tao119/hospitalChatApp/internal/client"
	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

// Config describes one fan-out run: Users sessions join Channel and each
// sends Messages messages, Interval apart.
type Config struct {
	URL            string
	Users          int
	Channel        string
	Messages       int
	Interval       time.Duration
	Ramp           time.Duration // spread session starts over this duration
	ConnectTimeout time.Duration
	Settle         time.Duration // wait for in-flight fan-out after the last send
	Logger         *slog.Logger
}

// DefaultConfig returns a small run against a local server.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ws",
		Users:          50,
		Channel:        "bench",
		Messages:       20,
		Interval:       500 * time.Millisecond,
		Ramp:           5 * time.Second,
		ConnectTimeout: 30 * time.Second,
		Settle:         2 * time.Second,
	}
}

// benchPayload is the data of every message a run sends.
type benchPayload struct {
	From   string `json:"from"`
	Seq    int    `json:"seq"`
	SentAt int64  `json:"sentAt"` // unix nanoseconds
}

// Run executes cfg and records into col. Each session keeps only its latest
// event, so under load Observed is a sample of the deliveries, not a count.
func Run(ctx context.Context, cfg Config, col *Collector) error {
	if cfg.Users <= 0 || cfg.Messages < 0 || cfg.Channel == "" {
		return oops.With("users", cfg.Users, "messages", cfg.Messages, "channel", cfg.Channel).
			Errorf("loadtest: invalid config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	runID := uuid.NewString()[:8]
	sessions := make([]*client.Session, cfg.Users)
	connected := make(chan struct{}, cfg.Users)
	defer func() {
		for _, s := range sessions {
			if s != nil {
				s.Disconnect()
			}
		}
	}()

	logger.Info("starting sessions", "users", cfg.Users, "channel", cfg.Channel, "run", runID)
	step := time.Duration(0)
	if cfg.Users > 1 {
		step = cfg.Ramp / time.Duration(cfg.Users)
	}
	for i := range sessions {
		sessions[i] = newBenchSession(cfg, fmt.Sprintf("bench-%s-%d", runID, i), logger, col, connected)
		sessions[i].Connect()
		if step > 0 {
			if err := sleep(ctx, step); err != nil {
				return err
			}
		}
	}

	if err := waitConnected(ctx, cfg, connected); err != nil {
		return err
	}
	for i, s := range sessions {
		if err := awaitJoin(ctx, s, fmt.Sprintf("bench-%s-%d", runID, i)); err != nil {
			return err
		}
	}
	logger.Info("all sessions joined", "users", cfg.Users)

	pumpCtx, stopPumps := context.WithCancel(ctx)
	defer stopPumps()
	var pumps sync.WaitGroup
	for _, s := range sessions {
		pumps.Add(1)
		go func(s *client.Session) {
			defer pumps.Done()
			observe(pumpCtx, s, col)
		}(s)
	}

	var senders sync.WaitGroup
	for i, s := range sessions {
		senders.Add(1)
		go func(s *client.Session, from string) {
			defer senders.Done()
			send(ctx, cfg, s, from, col)
		}(s, fmt.Sprintf("bench-%s-%d", runID, i))
	}
	senders.Wait()

	_ = sleep(ctx, cfg.Settle)
	stopPumps()
	pumps.Wait()

	logger.Info("run finished", "sent", col.Snapshot().Sent, "observed", col.Snapshot().Observed)
	return ctx.Err()
}

func newBenchSession(cfg Config, userID string, logger *slog.Logger, col *Collector, connected chan<- struct{}) *client.Session {
	var (
		sess  *client.Session
		start = time.Now()
		mu    sync.Mutex
		seen  bool
	)
	sess = client.New(client.Config{
		URL:       cfg.URL,
		UserID:    userID,
		Reconnect: client.ReconnectPolicy{Interval: time.Second},
		Logger:    logger.With("bench_user", userID),
		OnStatus: func(up bool) {
			if !up {
				return
			}
			// Membership is per connection; rejoin after every reconnect.
			if err := sess.JoinChannel(cfg.Channel); err != nil {
				col.AddError()
			}
			mu.Lock()
			first := !seen
			seen = true
			mu.Unlock()
			if first {
				col.AddConnect(time.Since(start))
				connected <- struct{}{}
			} else {
				col.AddReconnect()
			}
		},
	})
	return sess
}

func waitConnected(ctx context.Context, cfg Config, connected <-chan struct{}) error {
	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()
	for n := 0; n < cfg.Users; n++ {
		select {
		case <-connected:
		case <-timer.C:
			return oops.With("connected", n, "users", cfg.Users).Errorf("loadtest: connect timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// awaitJoin waits until the server applied the session's join by sending a
// mention to itself and reading it back.
func awaitJoin(ctx context.Context, s *client.Session, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.SendMention(userID, map[string]bool{"sync": true}); err != nil {
		return err
	}
	for {
		resp, err := s.Next(ctx)
		if err != nil {
			return oops.With("user_id", userID).Wrapf(err, "loadtest: sync")
		}
		if resp.Type == protocol.ResponseMention {
			return nil
		}
	}
}

func observe(ctx context.Context, s *client.Session, col *Collector) {
	for {
		resp, err := s.Next(ctx)
		if err != nil {
			return
		}
		if resp.Type != protocol.ResponseMessage {
			continue
		}
		var p benchPayload
		if err := json.Unmarshal(resp.Data, &p); err != nil || p.SentAt == 0 {
			continue
		}
		col.AddFanout(time.Since(time.Unix(0, p.SentAt)))
	}
}

func send(ctx context.Context, cfg Config, s *client.Session, from string, col *Collector) {
	for seq := 0; seq < cfg.Messages; seq++ {
		err := s.SendMessage(cfg.Channel, benchPayload{From: from, Seq: seq, SentAt: time.Now().UnixNano()})
		if err != nil {
			col.AddError()
		} else {
			col.AddSent()
		}
		if err := sleep(ctx, cfg.Interval); err != nil {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
