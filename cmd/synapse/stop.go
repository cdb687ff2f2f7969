package main

import (
	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/daemon"
	"github.com/bloom-nucleus/synapse/internal/procutil"
)

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the bridge daemon",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	instance, _ := cmd.Flags().GetString("instance")

	pid, running := daemon.IsRunning(instance)
	if !running {
		return out.Error("Daemon is not running", nil)
	}
	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}
	return out.Success("Sent termination signal to daemon", map[string]any{"pid": pid})
}
