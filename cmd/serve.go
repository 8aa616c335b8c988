package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamrelay/internal/config"
	"streamrelay/internal/debug"
	"streamrelay/internal/dispatch"
	"streamrelay/internal/provider"
	providerfactory "streamrelay/internal/provider/factory"
	"streamrelay/internal/router"
	"streamrelay/internal/server"
	"streamrelay/internal/telemetry"
)

const serveUsage = `Usage:
  streamrelay serve --config <path> [--port <port>] [--env-file <path>] [--log-level <level>]

Flags:
  --config    string   Path to YAML configuration file (required)
  --port      int      Override server port from configuration
  --env-file  string   Environment file loaded before the configuration (default ".env")
  --log-level string   debug, info, warn or error (default "info")`

func serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile, logLevel string
	var overridePort int
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.IntVar(&overridePort, "port", 0, "override server port")
	flags.StringVar(&envFile, "env-file", ".env", "environment file")
	flags.StringVar(&logLevel, "log-level", "info", "log level")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	var recorders []debug.Recorder
	var frames *debug.MemoryRecorder
	if cfg.Debug.Enabled {
		frames = debug.NewMemoryRecorder(cfg.Debug.MaxFrames)
		recorders = append(recorders, frames)
	}
	if cfg.Telemetry.Tracing {
		tracer, shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stdout, logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "err", err)
			}
		}()
		recorders = append(recorders, debug.NewTraceRecorder(tracer))
	}

	var opts []dispatch.Option
	opts = append(opts, dispatch.WithLogger(logger))
	if len(recorders) > 0 {
		opts = append(opts, dispatch.WithRecorder(debug.NewMulti(recorders...)))
	}
	client := providerfactory.NewHTTPClient(cfg.Upstream, cfg.Telemetry.Tracing)
	dispatcher := dispatch.New(client, opts...)

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProfiles(cfg, registry); err != nil {
		return err
	}

	rt := router.New(registry, dispatcher)

	srv, err := server.New(cfg, rt, frames)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default file is ignored.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == ".env" {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
