package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/config"
	configstore "github.com/bloom-nucleus/synapse/internal/config/store"
	"github.com/bloom-nucleus/synapse/internal/discovery"
)

func newDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Wait until the bridge confirms its handshake",
		Long: `Discover watches the shared bridge state and polls the daemon at the
same time. It finishes as soon as either sees a confirmed handshake, notifies
the host with DISCOVERY_COMPLETE and prints the next step.`,
		RunE: runDiscover,
	}
	cmd.Flags().Duration("poll-interval", 0, "Delay between status polls (default 1s)")
	cmd.Flags().Int("max-attempts", 0, "Polls before giving up (default 60)")
	cmd.Flags().Bool("no-watch", false, "Poll only, do not watch the state store")
	return cmd
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c := newClient(cmd)

	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	opts := discovery.Options{
		Checker:      c,
		Notifier:     c,
		PollInterval: pollInterval,
		MaxAttempts:  maxAttempts,
	}

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		instance, _ := cmd.Flags().GetString("instance")
		store, err := configstore.Open(configstore.Options{
			InstanceName: instance,
			DBPath:       config.GetInstancePaths(instance).ConfigDB,
			ReadOnly:     true,
		})
		if err == nil {
			defer store.Close()
			opts.Watcher = store
		}
	}

	dc, err := discovery.New(opts)
	if err != nil {
		return out.Error("Invalid discovery options", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	started := time.Now()
	res, err := dc.Run(ctx)
	if err != nil && !dc.Completed() {
		if errors.Is(err, discovery.ErrNotReady) {
			return out.Error("Bridge did not become ready", err)
		}
		return out.Error("Discovery failed", err)
	}

	data := map[string]any{
		"next":    res.Step,
		"via":     res.Via,
		"polls":   res.Attempts,
		"elapsed": time.Since(started).Round(time.Millisecond).String(),
		"config":  res.Config,
	}
	if err != nil {
		data["notify_error"] = err.Error()
	}
	return out.Success("Bridge ready, next step: "+string(res.Step), data)
}
