package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the hospitalchat CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospitalchat",
		Short: "Realtime fan-out for hospital channels",
		Long: `hospitalchat keeps one WebSocket per signed-in staff member and relays
channel messages, read receipts, typing indicators and mentions to the
connections observing them.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewConsoleCmd())
	cmd.AddCommand(NewBenchCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}
