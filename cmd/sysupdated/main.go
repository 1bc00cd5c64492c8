package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"
	"github.com/godbus/dbus/v5"
	log "github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/sysupd/sysupdated/sysupdate"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "sysupdated",
		Short: "D-Bus service that orchestrates host and image updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-level") {
				if v := os.Getenv(sysupdate.EnvLogLevel); v != "" {
					logLevel = v
				}
			}
			return run(logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	return cmd
}

func run(logLevel string) error {
	logger := newLogger(logLevel)

	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()
	if err := conn.Auth(nil); err != nil {
		return fmt.Errorf("authenticate to system bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		return fmt.Errorf("bus hello: %w", err)
	}

	runner := sysupdate.NewExecWorkerRunner(logger)
	discoverer := sysupdate.NewDirImageDiscoverer()
	authz := sysupdate.AllowAllAuthorizer{}
	manager := sysupdate.NewManager(conn, runner, discoverer, authz, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	watchdogCtx, watchdogCancel := context.WithCancel(ctx)
	defer watchdogCancel()
	go runWatchdog(watchdogCtx, logger)

	logger.Info("sysupdated starting", "bus-name", sysupdate.BusName)
	return manager.Run(ctx)
}

// runWatchdog periodically pings systemd's service watchdog if one is
// configured, following the same daemon.SdNotify pattern the readiness
// notification uses.
func runWatchdog(ctx context.Context, logger log.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("watchdog notify failed", "error", err)
			} else if !ok {
				return
			}
		}
	}
}

// newLogger builds the process logger. When running under systemd, output
// is routed to the journal via journalWriter; otherwise it falls back to
// hclog's default stderr writer.
func newLogger(level string) log.Logger {
	opts := &log.LoggerOptions{
		Name:  "sysupdated",
		Level: log.LevelFromString(level),
	}
	if journal.Enabled() {
		opts.Output = journalWriter{}
	}
	return log.New(opts)
}

// journalWriter adapts hclog's io.Writer output to journal.Send, so each
// log line (hclog's default text formatter already frames one line per
// entry) reaches the systemd journal instead of being lost when running as
// a service with stdout/stderr unconnected to a terminal.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}
