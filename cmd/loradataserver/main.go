// Command loradataserver runs the LoRa data server: it consumes device
// events from MQTT, runs per-device scripts and serves the health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Set with -ldflags at release time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, starts the server and blocks until SIGINT or SIGTERM.
// It returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("loradataserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (yaml, json or toml)")
	printVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitConfigError
	}

	if *printVersion {
		fmt.Fprintf(stdout, "loradataserver %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	logger := SetupLogger(cfg)
	logger.Info("starting loradataserver", "version", Version, "built", BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return fail(logger, "startup failed", err)
	}
	if err := server.Start(ctx); err != nil {
		return fail(logger, "server stopped with error", err)
	}
	return ExitSuccess
}

// fail logs err with the failing operation, when known, and maps it to an
// exit code.
func fail(logger *slog.Logger, msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg, "operation", sErr.Op, "error", sErr.Err)
	} else {
		logger.Error(msg, "error", err)
	}
	return exitCode(err)
}

// exitCode maps a startup or runtime error to the process exit code. Errors
// that carry no code are treated as configuration errors.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	return ExitConfigError
}
