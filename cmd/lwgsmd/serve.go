package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Robor-Electronics/lwgsm/internal/adapter/emulator"
	"github.com/Robor-Electronics/lwgsm/internal/api"
	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/auth"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
	"github.com/Robor-Electronics/lwgsm/internal/dispatch"
	"github.com/Robor-Electronics/lwgsm/internal/network"
	"github.com/Robor-Electronics/lwgsm/internal/stack"
	"github.com/Robor-Electronics/lwgsm/internal/telemetry"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the modem stack and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}

// newLogger builds the root logger and hands a child to every package.
func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	child := func(pkg string) logrus.FieldLogger {
		return logger.WithField("logger", "lwgsm/"+pkg)
	}
	command.SetLogger(child("command"))
	dispatch.SetLogger(child("dispatch"))
	network.SetLogger(child("network"))
	audit.SetLogger(child("audit"))
	telemetry.SetLogger(child("telemetry"))
	api.SetLogger(child("api"))
	stack.SetLogger(child("stack"))
	emulator.SetLogger(child("emulator"))
	return logger, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	modem, err := stack.NewModem(cfg)
	if err != nil {
		return err
	}
	s, err := stack.New(cfg, modem)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Stop(); err != nil {
			logger.WithError(err).Warn("modem stack stop")
		}
	}()

	verifier, err := auth.NewVerifierFromConfig(cfg.API.Auth)
	if err != nil {
		return err
	}
	if verifier == nil {
		logger.Warn("api authentication disabled, no key configured")
	}

	api.Version = version
	server := api.NewServer(cfg.API, api.Deps{
		Network:   s.Network,
		Services:  s.Services,
		Telemetry: s.Telemetry,
		Metrics:   s.Metrics.Handler(),
		Auth:      auth.NewMiddleware(verifier),
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	logger.WithFields(logrus.Fields{
		"version": version,
		"addr":    cfg.API.Addr,
		"driver":  cfg.Device.Driver,
	}).Info("lwgsmd started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// SSE streams hold Shutdown open until the hub disconnects them.
	s.Telemetry.Stop()
	if err := server.Stop(stopCtx); err != nil {
		return err
	}
	return nil
}
