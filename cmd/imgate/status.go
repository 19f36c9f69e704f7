package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/keepmind9/imgate/internal/channel"
	"github.com/keepmind9/imgate/internal/core"
	"github.com/spf13/cobra"
)

var statusJSON bool

// StatusOutput is the status report for every configured channel
type StatusOutput struct {
	Healthy  bool            `json:"healthy"`
	Channels map[string]bool `json:"channels"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity of every configured channel",
	Long: `Run each channel's health check (credential exchange or identity lookup)
concurrently and report the results.

Exit codes:
  0 - Every channel is healthy
  1 - At least one channel failed its check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}

		channels, err := channel.NewChannelsFromConfig(cfg.Channels)
		if err != nil {
			return err
		}

		engine, err := core.NewEngine(channels, func(context.Context, channel.Message) {})
		if err != nil {
			return err
		}

		out := newStatusOutput(engine.Health(cmd.Context()))
		if err := writeStatus(cmd.OutOrStdout(), out, statusJSON); err != nil {
			return err
		}
		if !out.Healthy {
			return fmt.Errorf("one or more channels are unhealthy")
		}
		return nil
	},
}

func newStatusOutput(results map[string]bool) StatusOutput {
	out := StatusOutput{Healthy: true, Channels: results}
	for _, ok := range results {
		if !ok {
			out.Healthy = false
		}
	}
	return out
}

func writeStatus(w io.Writer, out StatusOutput, jsonFormat bool) error {
	if jsonFormat {
		return json.NewEncoder(w).Encode(out)
	}

	fmt.Fprintln(w, "imgate status:")
	for _, name := range core.SortedNames(out.Channels) {
		mark := "✓"
		state := "healthy"
		if !out.Channels[name] {
			mark = "❌"
			state = "unhealthy"
		}
		fmt.Fprintf(w, "  %s %-10s %s\n", mark, name, state)
	}
	return nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
