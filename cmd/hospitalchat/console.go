package main

import (
	"context"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Tao119/hospitalChatApp/internal/client"
	"github.com/Tao119/hospitalChatApp/internal/logging"
)

type consoleOptions struct {
	url     string
	user    string
	name    string
	channel string
	thread  string
	logFile string
}

// NewConsoleCmd creates the console subcommand.
func NewConsoleCmd() *cobra.Command {
	var opts consoleOptions
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open a terminal session on a channel",
		Long: `Open a terminal session against a running server. The console joins one
channel, shows messages, read receipts, typing indicators and mentions as they
arrive, and reconnects every three seconds when the socket drops.

Commands typed into the input line:
  /mention <user> <text>   notify one user directly
  /read                    announce a read receipt on the channel
  /join <channel>          switch to another channel`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.name == "" {
				opts.name = opts.user
			}
			return runConsole(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "server WebSocket endpoint")
	cmd.Flags().StringVar(&opts.user, "user", "", "user identity")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to --user)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel to join")
	cmd.Flags().StringVar(&opts.thread, "thread", "main", "thread announced in typing indicators")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "write session logs to this file")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runConsole(ctx context.Context, opts consoleOptions) error {
	var w io.Writer = io.Discard
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	logger := logging.Setup("hospitalchat-console", version, "text", "debug", w)

	// msgs bridges the session goroutines and the Bubbletea event loop.
	msgs := make(chan tea.Msg, 64)

	sess := client.New(client.Config{
		URL:       opts.url,
		UserID:    opts.user,
		Reconnect: client.DefaultReconnectPolicy(),
		Logger:    logger,
		OnStatus: func(connected bool) {
			select {
			case msgs <- statusMsg(connected):
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pumpEvents(ctx, sess, msgs)

	sess.Connect()
	defer sess.Disconnect()

	p := tea.NewProgram(newConsoleModel(sess, opts, msgs), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// pumpEvents consumes the session's latest-event slot until ctx ends.
func pumpEvents(ctx context.Context, sess *client.Session, out chan<- tea.Msg) {
	for {
		resp, err := sess.Next(ctx)
		if err != nil {
			return
		}
		select {
		case out <- eventMsg(resp):
		case <-ctx.Done():
			return
		}
	}
}
