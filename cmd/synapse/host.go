package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/client"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
)

func newRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <type> [payload-json]",
		Short: "Send a correlated request to the host and print its reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runRequest,
	}
	cmd.Flags().String("target", "", "Request target")
	cmd.Flags().Duration("timeout", constants.HostRequestTimeout, "Reply timeout")
	return cmd
}

func runRequest(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var payload json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return out.Error("Payload must be valid JSON", nil)
		}
		payload = json.RawMessage(args[1])
	}
	target, _ := cmd.Flags().GetString("target")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout+constants.ControlRequestTimeout)
	defer cancel()

	reply, err := newClient(cmd).HostRequest(ctx, args[0], target, payload, timeout)
	if err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			return out.Error("Bridge is not connected to the host", err)
		}
		return out.Error("Host request failed", err)
	}
	return out.Print(reply)
}

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event <event-json|->",
		Short: "Forward a page event to the host",
		Long:  `Forward a page event to the host. Use - to read the event from stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runEvent,
	}
	cmd.Flags().Int("tab-id", 0, "Sender tab id")
	cmd.Flags().String("url", "", "Sender page URL")
	return cmd
}

func runEvent(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	raw := []byte(args[0])
	if args[0] == "-" {
		data, err := readAllStdin()
		if err != nil {
			return out.Error("Failed to read event from stdin", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return out.Error("Event must be valid JSON", nil)
	}

	tabID, _ := cmd.Flags().GetInt("tab-id")
	pageURL, _ := cmd.Flags().GetString("url")
	sender := eventbus.PageSender{TabID: tabID, URL: pageURL}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ControlRequestTimeout)
	defer cancel()
	if err := newClient(cmd).PostEventFrom(ctx, sender, raw); err != nil {
		return out.Error("Event not forwarded", err)
	}
	return out.Success("Event forwarded", nil)
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, constants.MaxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}
