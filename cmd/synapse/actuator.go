package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/client"
	"github.com/bloom-nucleus/synapse/internal/constants"
)

func newActuatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actuator",
		Short: "Page-level actuator commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connected actuators",
		RunE:  runActuatorList,
	}

	attachCmd := &cobra.Command{
		Use:   "attach",
		Short: "Connect as an actuator and acknowledge relayed commands",
		Long: `Attach connects to the daemon as a page-level actuator. Every relayed
host command is printed and answered with {"success": true}, which makes it
a stand-in page for exercising the bridge without a browser.`,
		RunE: runActuatorAttach,
	}
	attachCmd.Flags().Int("tab-id", 0, "Tab id this actuator speaks for")
	attachCmd.Flags().String("url", "", "Page URL this actuator speaks for")

	cmd.AddCommand(listCmd, attachCmd)
	return cmd
}

func runActuatorList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), constants.ControlRequestTimeout)
	defer cancel()
	list, err := newClient(cmd).Actuators(ctx)
	if err != nil {
		return out.Error("Daemon unavailable", err)
	}
	if out.jsonMode {
		return out.Print(list)
	}
	if len(list) == 0 {
		return out.Print("No actuators connected")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAB\tURL\tCONNECTED\tACTIVE")
	for _, a := range list {
		active := ""
		if a.Active {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", a.ID, a.TabID, a.URL, a.ConnectedAt.Format(time.RFC3339), active)
	}
	return w.Flush()
}

func runActuatorAttach(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	tabID, _ := cmd.Flags().GetInt("tab-id")
	pageURL, _ := cmd.Flags().GetString("url")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := client.DialActuator(ctx, controlAddress(cmd), client.ActuatorOptions{TabID: tabID, URL: pageURL})
	if err != nil {
		return out.Error("Failed to attach actuator", err)
	}
	defer a.Close()
	fmt.Fprintf(os.Stderr, "attached as %s (Ctrl+C to detach)\n", a.ID())

	errs := a.Err()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return out.Error("Actuator connection lost", err)
			}
		case c, ok := <-a.Commands():
			if !ok {
				return nil
			}
			fmt.Println(strings.TrimSpace(string(c.Raw)))
			if c.RelayID == "" {
				continue
			}
			if err := a.Reply(c, map[string]any{"success": true}); err != nil {
				return out.Error("Failed to reply", err)
			}
		}
	}
}
