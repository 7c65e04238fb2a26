package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tao119/hospitalChatApp/internal/loadtest"
	"github.com/Tao119/hospitalChatApp/internal/logging"
)

// NewBenchCmd creates the bench subcommand.
func NewBenchCmd() *cobra.Command {
	cfg := loadtest.DefaultConfig()
	var (
		metricsURL string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure channel fan-out latency against a running server",
		Long: `Open --users sessions, join them all to --channel and have each send
--messages messages. Reports connect latency, fan-out latency as observed by
the recipients and, with --metrics-url, the server's Prometheus counters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Logger = logging.Setup("hospitalchat-bench", version, "text", logLevel, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			col := loadtest.NewCollector()
			if metricsURL != "" {
				scraper := loadtest.NewScraper(metricsURL, time.Second)
				col.SetScraper(scraper)
				scraper.Start(ctx)
				defer scraper.Stop()
			}

			err := loadtest.Run(ctx, cfg, col)
			col.Report(cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.URL, "url", cfg.URL, "server WebSocket endpoint")
	f.IntVar(&cfg.Users, "users", cfg.Users, "number of concurrent sessions")
	f.StringVar(&cfg.Channel, "channel", cfg.Channel, "channel every session joins")
	f.IntVar(&cfg.Messages, "messages", cfg.Messages, "messages sent by each session")
	f.DurationVar(&cfg.Interval, "interval", cfg.Interval, "delay between one session's messages")
	f.DurationVar(&cfg.Ramp, "ramp", cfg.Ramp, "spread session starts over this duration")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "give up when sessions are not connected in time")
	f.DurationVar(&cfg.Settle, "settle", cfg.Settle, "wait for in-flight fan-out after the last send")
	f.StringVar(&metricsURL, "metrics-url", "", "server Prometheus endpoint to scrape, e.g. http://localhost:8080/metrics")
	f.StringVar(&logLevel, "log-level", "warn", "log level")

	return cmd
}
