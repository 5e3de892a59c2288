package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cadence/internal/app"
	"cadence/internal/router"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon until SIGINT/SIGTERM",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stop(a, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify is a no-op then.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	watchdog(ctx)

	// Without a coordinator sink, delivered reports are printed.
	go printReports(ctx, cmd, a.Router().Reports())

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	fatal := a.Err()
	stop(a, reason)
	if fatal != nil {
		return fatal
	}
	return nil
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func printReports(ctx context.Context, cmd *cobra.Command, reports <-chan router.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-reports:
			fmt.Fprintln(cmd.OutOrStdout(), rep.String())
		}
	}
}
