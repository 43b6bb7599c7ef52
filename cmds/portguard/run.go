package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/safing/portguard/base/info"
	"github.com/safing/portguard/base/log"
	"github.com/safing/portguard/service"
)

var (
	printStackOnExit bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the detection engine.",
		RunE:  cmdRun,
	}
)

func init() {
	runCmd.Flags().BoolVar(&printStackOnExit, "print-stack-on-exit", false, "prints the stack before of shutting down")
}

func cmdRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Enforcement.DryRun || cfg.Interception.Enabled {
		if err := checkPrivileges(); err != nil {
			return err
		}
	}
	cmd.SilenceUsage = true

	// Start logging.
	// Note: Must be started before the instance is created, so that modules use the right logger.
	if err := log.Start(cfg.Log.Level, cfg.Log.Stdout, cfg.Log.Dir); err != nil {
		return err
	}
	defer log.Shutdown()

	instance, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("error creating an instance: %w", err)
	}

	// Subscribe to signals before starting, so that early signals are not lost.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(
		signalCh,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGUSR1,
	)

	if err := instance.Start(); err != nil {
		slog.Error("failed to start", "err", err)
		return err
	}
	slog.Info("portguard started", "version", info.Version(), "dry_run", cfg.Enforcement.DryRun)

	// Wait for shutdown signal.
wait:
	for {
		select {
		case <-instance.Stopped():
			break wait
		case sig := <-signalCh:
			if sig == syscall.SIGUSR1 {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON REQUEST")
				continue wait
			}
			fmt.Printf(" <SIGNAL: %v>\n", sig) // CLI output.
			slog.Warn("received stop signal", "signal", sig)
			instance.Shutdown(0)
			break wait
		}
	}

	// Catch signals during shutdown.
	// Force exit after 5 interrupts.
	forceCnt := 5
	timeout := time.After(3 * time.Minute)
	for {
		select {
		case <-instance.Stopped():
			if printStackOnExit {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON EXIT")
			}
			if code := instance.ExitCode(); code != 0 {
				log.Shutdown()
				os.Exit(code)
			}
			return nil
		case <-timeout:
			printStackTo(log.GlobalWriter, "PRINTING STACK - TAKING TOO LONG FOR SHUTDOWN")
			log.Shutdown()
			os.Exit(1)
		case sig := <-signalCh:
			if sig == syscall.SIGUSR1 {
				continue
			}
			forceCnt--
			if forceCnt > 0 {
				fmt.Printf(" <SIGNAL: %s> again, but already shutting down - %d more to force\n", sig, forceCnt)
			} else {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON FORCED EXIT")
				log.Shutdown()
				os.Exit(1)
			}
		}
	}
}

func printStackTo(writer io.Writer, msg string) {
	_, err := fmt.Fprintf(writer, "===== %s =====\n", msg)
	if err == nil {
		err = pprof.Lookup("goroutine").WriteTo(writer, 1)
	}
	if err != nil {
		slog.Error("failed to write stack trace", "err", err)
	}
}
