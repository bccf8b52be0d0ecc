package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agent-device/agentdeviced/internal/config"
	"github.com/agent-device/agentdeviced/internal/daemon"
	"github.com/agent-device/agentdeviced/internal/dispatch"
	"github.com/agent-device/agentdeviced/internal/identity"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentdeviced",
	Short: "Local control-plane daemon for driving iOS/Android devices over JSON-RPC",
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		log := newLogger(cfg.StateDir)
		tbl := dispatch.NewTable()
		dispatch.RegisterClipboard(tbl)
		dispatch.RegisterApps(tbl)

		d := daemon.New(cfg, log, tbl)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()

		err = d.Run(ctx)
		if err == daemon.ErrYielded {
			fmt.Fprintln(os.Stderr, "agentdeviced: another daemon instance already owns this state directory")
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		md, err := daemon.ReadMetadata(daemon.MetaPath(cfg.StateDir))
		if err != nil {
			fmt.Println("agentdeviced: not running")
			return nil
		}
		daemon.StopStale(context.Background(), cfg.StateDir, md)
		fmt.Printf("agentdeviced: stopped pid %d\n", md.PID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon is running and reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		md, err := daemon.ReadMetadata(daemon.MetaPath(cfg.StateDir))
		if err != nil {
			fmt.Println("not running")
			return nil
		}
		if !identity.IsLiveDaemonProcess(md.PID, md.ProcessStartTime) {
			fmt.Println("stale metadata, no live daemon")
			return nil
		}
		fmt.Printf("running pid=%d transport=%s port=%d httpPort=%d\n", md.PID, md.Transport, md.Port, md.HTTPPort)
		return nil
	},
}

func newLogger(stateDir string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	path := stateDir + "/daemon.log"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(f).With().Timestamp().Logger()
}
