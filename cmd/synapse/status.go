package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/constants"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	titleStyle = lipgloss.NewStyle().Bold(true)
	stateStyle = map[bridge.State]lipgloss.Style{
		bridge.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		bridge.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		bridge.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		bridge.StateFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the bridge connection status",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("check", false, "Only ask whether the handshake is confirmed")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c := newClient(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), constants.ControlRequestTimeout)
	defer cancel()

	if check, _ := cmd.Flags().GetBool("check"); check {
		res, err := c.CheckStatus(ctx)
		if err != nil {
			return out.Error("Daemon unavailable", err)
		}
		if out.jsonMode {
			return out.Print(res)
		}
		return out.Print(fmt.Sprintf("%s (%s)", res.Status, res.ConnectionState))
	}

	snap, err := c.Status(ctx)
	if err != nil {
		return out.Error("Daemon unavailable", err)
	}
	if out.jsonMode {
		return out.Print(snap)
	}
	return out.Print(renderStatus(snap.Payload))
}

func renderStatus(p bridge.StatusPayload) string {
	style, ok := stateStyle[p.ConnectionState]
	if !ok {
		style = lipgloss.NewStyle()
	}

	handshake := "pending"
	if p.HandshakeConfirmed {
		handshake = "confirmed"
	}

	rows := [][2]string{
		{"State", style.Render(string(p.ConnectionState))},
		{"Handshake", handshake},
		{"Attempt", fmt.Sprintf("%d", p.Attempt)},
		{"Profile", p.ProfileID},
		{"Launch", p.LaunchID},
	}
	if p.BridgeName != "" {
		rows = append(rows, [2]string{"Bridge", p.BridgeName})
	}
	if p.HostVersion != "" {
		rows = append(rows, [2]string{"Host version", p.HostVersion})
	}
	if p.Error != "" {
		msg := p.Error
		if p.ErrorKind != "" {
			msg = fmt.Sprintf("%s (%s)", msg, p.ErrorKind)
		}
		rows = append(rows, [2]string{"Error", errorStyle.Render(msg)})
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Synapse bridge"))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(row[0]), row[1]))
	}
	return b.String()
}
