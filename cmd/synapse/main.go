package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/client"
	"github.com/bloom-nucleus/synapse/internal/config"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/daemon"
	synapseversion "github.com/bloom-nucleus/synapse/internal/version"
)

// controlURLEnv overrides the daemon control address.
const controlURLEnv = "SYNAPSE_CONTROL_URL"

var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data as indented JSON, or as text when data is a string
// and JSON mode is off.
func (f *OutputFormatter) Print(data any) error {
	if s, ok := data.(string); ok && !f.jsonMode {
		fmt.Println(s)
		return nil
	}
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(jsonBytes))
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]any{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	} else {
		fmt.Fprintln(os.Stderr, message)
	}
	if err == nil {
		return errors.New(message)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - operator CLI for the bridge daemon",
		Long: `Synapse inspects and drives a running synapsed bridge: connection
status, discovery, host requests and page events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = synapseversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("instance", config.DefaultInstance, "Instance name")
	rootCmd.PersistentFlags().String("address", "", "Daemon control address (default: from the running daemon)")
}

func main() {
	rootCmd.AddCommand(
		newStatusCommand(),
		newDiscoverCommand(),
		newRequestCommand(),
		newEventCommand(),
		newActuatorCommand(),
		newStopCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// controlAddress picks the daemon address: --address, then the
// environment, then the runtime file of the instance, then the default.
func controlAddress(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("address"); strings.TrimSpace(addr) != "" {
		return addr
	}
	if addr := strings.TrimSpace(os.Getenv(controlURLEnv)); addr != "" {
		return addr
	}
	instance, _ := cmd.Flags().GetString("instance")
	if info, err := daemon.LoadRuntimeInfo(config.GetInstancePaths(instance).RunDir); err == nil && info.ControlAddress != "" {
		return info.ControlAddress
	}
	return dialableAddress(constants.DefaultControlAddress)
}

// dialableAddress turns a listen address such as ":5679" into one a
// client can dial.
func dialableAddress(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func newClient(cmd *cobra.Command) *client.HTTPClient {
	return client.NewHTTPClient(controlAddress(cmd), nil)
}
