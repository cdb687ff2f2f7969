package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bloom-nucleus/synapse/internal/config"
	configstore "github.com/bloom-nucleus/synapse/internal/config/store"
	"github.com/bloom-nucleus/synapse/internal/daemon"
	synapseversion "github.com/bloom-nucleus/synapse/internal/version"
)

type daemonFlags struct {
	runtime        config.Runtime
	identity       string
	allowedOrigins []string
}

func main() {
	flags := &daemonFlags{runtime: config.DefaultRuntime()}

	rootCmd := &cobra.Command{
		Use:           "synapsed [flags] [-- host args]",
		Short:         "Synapse bridge daemon - keeps the native host connection alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags, args)
		},
	}
	rootCmd.Version = synapseversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rt := &flags.runtime
	f := rootCmd.Flags()
	f.StringVar(&rt.Instance, "instance", rt.Instance, "instance name")
	f.StringVar(&flags.identity, "identity", "", "bridge identity file (default <instance>/bridge.yaml)")
	f.StringVar(&rt.Transport, "transport", rt.Transport, "host transport: process or tcp")
	f.StringVar(&rt.HostPath, "host", rt.HostPath, "native host executable (process transport)")
	f.StringVar(&rt.HostAddress, "host-address", rt.HostAddress, "native host address (tcp transport)")
	f.StringVar(&rt.ControlAddress, "control-address", rt.ControlAddress, "HTTP control address; empty disables")
	f.StringVar(&rt.HealthAddress, "health-address", rt.HealthAddress, "gRPC health address; empty disables")
	f.DurationVar(&rt.BaseDelay, "base-delay", rt.BaseDelay, "first reconnect delay")
	f.DurationVar(&rt.MaxDelay, "max-delay", rt.MaxDelay, "reconnect delay cap")
	f.IntVar(&rt.MaxAttempts, "max-attempts", rt.MaxAttempts, "reconnect attempts before giving up")
	f.DurationVar(&rt.ConfigRetryDelay, "config-retry", rt.ConfigRetryDelay, "delay before re-reading an invalid identity")
	f.DurationVar(&rt.KeepaliveInterval, "keepalive", rt.KeepaliveInterval, "bridge-initiated heartbeat interval; 0 disables")
	f.DurationVar(&rt.ShutdownTimeout, "shutdown-timeout", rt.ShutdownTimeout, "time each daemon component gets to stop")
	f.StringSliceVar(&flags.allowedOrigins, "allow-origin", nil, "extra origins accepted on the actuator endpoint")
	f.BoolVarP(&rt.Verbose, "verbose", "v", false, "log every message")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(flags *daemonFlags, args []string) error {
	rt := flags.runtime
	rt.HostArgs = args

	paths, err := config.EnsureInstanceDirs(rt.Instance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	logs, err := daemon.SetupLogging(paths.Logs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}
	defer logs.Close()
	log.Printf("=== Synapse bridge starting (PID: %d, %s) ===", os.Getpid(), synapseversion.String())

	if pid, running := daemon.IsRunning(rt.Instance); running {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: rt.Instance})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	opts := daemon.Options{
		Runtime:        rt,
		Store:          store,
		Identity:       flags.identity,
		Args:           os.Args[1:],
		AllowedOrigins: flags.allowedOrigins,
	}
	if logs != nil {
		opts.HostLog = logs.Host
	}
	d, err := daemon.New(opts)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Start() }()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		err = <-errChan
	case err = <-errChan:
	}
	if err != nil {
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}
