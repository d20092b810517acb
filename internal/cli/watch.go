package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplane/realtime"
	"github.com/oplane/realtime/internal/config"
	"github.com/oplane/realtime/realtimetest"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ConfigPath string
	EnvID      string
	JobID      string
	Duration   time.Duration
	Demo       bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a scope and print live cache updates",
		Long: `Watch a scope and print live cache updates.

Connects to the server named in the config file, subscribes to its health
endpoint and push channel, and prints a line for every cache change until
interrupted (or until --duration elapses).

With --demo, an in-process server with synthetic traffic is used instead of
a config file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (yaml)")
	cmd.Flags().StringVar(&opts.EnvID, "env", "", "environment id to watch (overrides config)")
	cmd.Flags().StringVar(&opts.JobID, "job", "", "job id to watch (overrides config)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "run against an in-process demo server")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	var (
		cfg  config.Config
		stop func()
	)

	switch {
	case opts.Demo:
		cfg, stop = startDemoServer()
		defer stop()
	case opts.ConfigPath != "":
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("either --config or --demo is required")
	}

	if opts.EnvID != "" {
		cfg.Watch.EnvID = opts.EnvID
	}
	if opts.JobID != "" {
		cfg.Watch.JobID = opts.JobID
	}

	logs := io.Discard
	if opts.Verbose {
		logs = cmd.ErrOrStderr()
	}

	var client *http.Client
	if strings.HasPrefix(cfg.Server.BaseURL, "https://") {
		client = realtime.NewHTTP2Client(cfg.Server.Insecure)
	}

	monitor, err := realtime.NewHealthMonitor(realtime.HealthMonitorConfig{
		URL:     cfg.HealthURL(),
		Client:  client,
		Backoff: realtime.Backoff{PollBase: time.Duration(cfg.Watch.PollInterval)},
		Logs:    logs,
	})
	if err != nil {
		return err
	}

	view := realtime.NewView(realtime.ViewConfig{
		Monitor:       monitor,
		StreamBaseURL: cfg.FeedURL(),
		Token:         cfg.Server.Token,
		Client:        client,
		Logs:          logs,
	})
	defer view.Close()

	scope := realtime.Scope{
		TenantID: cfg.Watch.TenantID,
		EnvID:    cfg.Watch.EnvID,
		JobID:    cfg.Watch.JobID,
	}

	updates := make(chan realtime.Update, 64)
	cancel, err := view.Watch(scope, updates)
	if err != nil {
		return err
	}
	defer cancel()

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	if opts.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Duration)
		defer cancelTimeout()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching %s at %s\n", scope, cfg.Server.BaseURL)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			printUpdate(out, view, scope, u)
		}
	}
}

func printUpdate(out io.Writer, view *realtime.View, scope realtime.Scope, u realtime.Update) {
	switch u.Kind {
	case realtime.UpdateHealth:
		if snap, ok := view.Health(); ok {
			fmt.Fprintf(out, "health: %s (%d services)\n", snap.Status, len(snap.Services))
		}

	case realtime.UpdateConnection:
		switch {
		case u.Err != nil:
			fmt.Fprintf(out, "stream: FAILED: %v\n", u.Err)
		case u.Connected:
			fmt.Fprintf(out, "stream: connected\n")
		default:
			fmt.Fprintf(out, "stream: disconnected, retrying\n")
		}

	case realtime.UpdateEntities:
		entities := view.Entities(scope, u.Entity)
		byStatus := map[string]int{}
		for _, e := range entities {
			status, _ := e["status"].(string)
			byStatus[status]++
		}
		fmt.Fprintf(out, "%s: %d cached %s\n", u.Entity, len(entities), formatCounts(byStatus))

	case realtime.UpdateCounts:
		counts := view.AggregateCounts(scope)
		byName := map[string]int{}
		for k, v := range counts {
			byName[k] = int(v)
		}
		fmt.Fprintf(out, "counts: %s\n", formatCounts(byName))
	}
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// startDemoServer runs an in-process server with synthetic traffic and
// returns a config pointing at it.
func startDemoServer() (config.Config, func()) {
	srv := realtimetest.NewServer()

	d1 := realtimetest.NewDeployment("checkout-v2")
	d2 := realtimetest.NewDeployment("ingest-pipeline")
	srv.Publish("deployment.upsert", d1)
	srv.Publish("deployment.upsert", d2)
	srv.Publish(realtime.EventTypeCounts, map[string]any{"running": 2, "queued": 0})

	done := make(chan struct{})
	go func() {
		completed := 0
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				completed++
				srv.Publish("deployment.progress", map[string]any{
					"id":              d1["id"],
					"completed_items": completed,
					"current_item":    fmt.Sprintf("step-%d", completed),
				})
			}
		}
	}()

	cfg := config.Config{
		Server: config.ServerConfig{BaseURL: srv.URL()},
		Watch:  config.WatchConfig{EnvID: "env-prod"},
	}
	config.Normalize(&cfg)

	return cfg, func() {
		close(done)
		srv.Close()
	}
}
