package stack

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/emulator"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/fake"
	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
	"github.com/Robor-Electronics/lwgsm/internal/dispatch"
	"github.com/Robor-Electronics/lwgsm/internal/metrics"
	"github.com/Robor-Electronics/lwgsm/internal/network"
	"github.com/Robor-Electronics/lwgsm/internal/service"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
	"github.com/Robor-Electronics/lwgsm/internal/telemetry"
)

var log logrus.FieldLogger = logrus.New().WithField("logger", "lwgsm/stack")

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	metrics   *metrics.Metrics
	audit     *audit.Logger
	telemetry *telemetry.Hub
	threads   *sys.ThreadTable
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAudit writes the audit trail to l. The stack does not close it.
func WithAudit(l *audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithTelemetry publishes events to h. The stack does not stop it.
func WithTelemetry(h *telemetry.Hub) Option {
	return func(o *options) { o.telemetry = h }
}

// WithThreads hosts the worker threads on tt.
func WithThreads(tt *sys.ThreadTable) Option {
	return func(o *options) { o.threads = tt }
}

// Stack is one assembled modem control stack.
type Stack struct {
	Config    *config.Config
	Modem     adapter.Modem
	Submitter *command.Submitter
	Worker    *dispatch.Worker
	Network   *network.Coordinator
	Services  *service.Services
	Metrics   *metrics.Metrics
	Audit     *audit.Logger
	Telemetry *telemetry.Hub

	ownAudit     bool
	ownTelemetry bool
}

// NewModem creates the modem selected by cfg.Device.Driver.
func NewModem(cfg *config.Config) (adapter.Modem, error) {
	switch cfg.Device.Driver {
	case "emulator":
		return emulator.New(cfg.Device.Emulator), nil
	case "fake":
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", cfg.Device.Driver)
	}
}

// New wires a stack around modem. Nothing runs until Start.
func New(cfg *config.Config, modem adapter.Modem, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if modem == nil {
		return nil, fmt.Errorf("stack: nil modem: %w", command.ErrParameter)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{Config: cfg, Modem: modem, Metrics: o.metrics, Audit: o.audit, Telemetry: o.telemetry}
	if s.Metrics == nil {
		s.Metrics = metrics.New()
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.NewHub(cfg.Telemetry)
		s.ownTelemetry = true
	}
	if s.Audit == nil && cfg.Audit.Enabled {
		l, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		s.Audit, s.ownAudit = l, true
	}

	mbox, err := sys.NewMailbox[*command.Envelope](cfg.Mailbox.Size)
	if err != nil {
		return nil, fmt.Errorf("request mailbox: %w", err)
	}
	pool, err := command.NewPool(cfg.Mailbox.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("envelope pool: %w", err)
	}

	exec := adapter.NewExecutor(modem, cfg.Device.Family)
	s.Submitter = command.NewSubmitter(mbox, pool, exec, s.Metrics)
	s.Worker = dispatch.New(s.Submitter, dispatch.Options{
		Timeouts:          cfg.Timing.For,
		Audit:             s.Audit,
		Telemetry:         s.Telemetry,
		Metrics:           s.Metrics,
		Threads:           o.threads,
		ProducerStackSize: cfg.Threads.ProducerStackSize,
		ProcessStackSize:  cfg.Threads.ProcessStackSize,
		ProducerPriority:  sys.Priority(cfg.Threads.ProducerPriority),
		ProcessPriority:   sys.Priority(cfg.Threads.ProcessPriority),
	})

	s.Network, err = network.NewCoordinator(s.Submitter, network.Options{
		Timeouts:          cfg.Timing.For,
		DisableAutoAttach: cfg.Network.DisableAutoAttach,
		Audit:             s.Audit,
		Telemetry:         s.Telemetry,
		Metrics:           s.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.Network.SetCredentials(network.Credentials{
		APN:  cfg.Network.APN,
		User: cfg.Network.User,
		Pass: cfg.Network.Pass,
	})
	s.Services = service.New(s.Submitter, cfg.Timing.For)

	s.Telemetry.SetSnapshot(func() any { return s.Network.Status() })
	return s, nil
}

// Start launches the dispatch worker.
func (s *Stack) Start(ctx context.Context) error {
	if err := s.Worker.Start(ctx); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"driver": s.Config.Device.Driver,
		"apn":    s.Config.Network.APN,
	}).Info("modem stack started")
	return nil
}

// Stop stops the worker and releases what New created. Queued requests
// fail with command.ErrClosed.
func (s *Stack) Stop() error {
	var errs []error
	if err := s.Worker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	if closer, ok := s.Modem.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close modem: %w", err))
		}
	}
	if s.ownTelemetry {
		s.Telemetry.Stop()
	}
	if s.ownAudit {
		if err := s.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit: %w", err))
		}
	}
	log.Info("modem stack stopped")
	return errors.Join(errs...)
}
