// Package cli implements the rtwatch command tree.
package cli

import "github.com/spf13/cobra"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command for the rtwatch CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rtwatch",
		Short: "rtwatch - live view of dashboard state",
		Long:  "Watches a dashboard server's health endpoint and push channel,\nmirroring its state into a local cache and printing every change.",
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log transport activity to stderr")

	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}
