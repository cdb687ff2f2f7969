package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/constants"
	synapseversion "github.com/bloom-nucleus/synapse/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := synapseversion.String()

	ctx, cancel := context.WithTimeout(context.Background(), constants.ControlRequestTimeout)
	defer cancel()
	daemonVersion, daemonErr := newClient(cmd).Version(ctx)
	warning := ""
	if daemonErr == nil {
		warning = synapseversion.CheckVersionMismatch("daemon", daemonVersion)
	}

	if out.jsonMode {
		data := map[string]any{"client": clientVersion}
		if daemonErr != nil {
			data["daemon"] = nil
			data["daemon_error"] = daemonErr.Error()
		} else {
			data["daemon"] = daemonVersion
		}
		if warning != "" {
			data["mismatch"] = true
			data["warning"] = warning
		}
		return out.Print(data)
	}

	fmt.Printf("Client: %s\n", synapseversion.FormatVersion(clientVersion))
	if daemonErr != nil {
		fmt.Printf("Daemon: unavailable (%v)\n", daemonErr)
		return nil
	}
	fmt.Printf("Daemon: %s\n", synapseversion.FormatVersion(daemonVersion))
	if warning != "" {
		fmt.Println(warning)
	}
	return nil
}
