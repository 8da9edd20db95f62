package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"coderider-gateway/internal/config"
	"coderider-gateway/internal/metrics"
	"coderider-gateway/internal/registry"
	"coderider-gateway/internal/router"
	"coderider-gateway/internal/server"
	"coderider-gateway/internal/upstream"
)

const serveUsage = `Usage:
  coderider-gateway serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (environment only when omitted)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Upstream.AccessToken == "" {
		logger.Warn("GITLAB_OAUTH_ACCESS_TOKEN is not set; upstream calls will fail with coderider_auth_expired")
	}

	up, err := upstream.New(upstream.Options{
		Host:        cfg.Upstream.Host,
		AccessToken: cfg.Upstream.AccessToken,
		Timeout:     cfg.Upstream.Timeout,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	reg := registry.New(registry.Options{
		Aliases:    cfg.Models.Aliases,
		Multimodal: cfg.Models.Multimodal,
	})
	rt := router.New(reg, up, router.Options{
		DefaultModel: cfg.Models.Default,
		Metrics:      m,
		Logger:       logger,
	})

	srv, err := server.New(cfg, rt, m, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
