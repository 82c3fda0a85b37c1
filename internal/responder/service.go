package responder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/config"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/publish"
	"github.com/sekia-ai/mailwatch/pkg/agent"
)

const serviceName = "mailwatch-responder"

// Deps are the collaborators a Service answers with.
type Deps struct {
	Generator ResponseGenerator
	Mailer    mailbox.Mailer
	Audit     Auditor

	// NATSOpts are appended to the connection options, e.g. to reach an
	// in-process server.
	NATSOpts []nats.Option
	// HeartbeatInterval overrides the agent default.
	HeartbeatInterval time.Duration
}

// Service is the mailwatch-responder process.
type Service struct {
	cfg     config.Config
	version string
	deps    Deps
	logger  zerolog.Logger

	agent     *agent.Agent
	responder *Responder
	consume   jetstream.ConsumeContext

	stopCh  chan struct{}
	readyCh chan struct{}
}

// NewService creates a Service.
func NewService(cfg config.Config, version string, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		version: version,
		deps:    deps,
		logger:  logger,
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// Run connects to NATS, starts consuming, and blocks until a signal is
// received or Stop is called.
func (s *Service) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []nats.Option
	if s.cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(s.cfg.NATS.Token))
	}
	opts = append(opts, s.deps.NATSOpts...)

	a, err := agent.New(agent.Config{
		NATSUrl:           s.cfg.NATS.URL,
		NATSOpts:          opts,
		HeartbeatInterval: s.deps.HeartbeatInterval,
	}, serviceName, s.version, []string{"reply"}, s.logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	s.agent = a

	js, err := jetstream.New(a.Conn())
	if err != nil {
		a.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	s.responder = New(s.deps.Generator, s.deps.Mailer, s.deps.Audit, Config{
		Stream: publish.StreamConfig{
			Stream:          s.cfg.Publish.Stream,
			Subject:         s.cfg.Publish.Subject,
			DuplicateWindow: s.cfg.Publish.DuplicateWindow,
			MaxAge:          s.cfg.Publish.MaxAge,
		},
		Durable:     s.cfg.Responder.Durable,
		MaxDeliver:  s.cfg.Responder.MaxDeliver,
		AckWait:     s.cfg.Responder.AckWait,
		NakDelay:    s.cfg.Responder.NakDelay,
		EventSecret: s.cfg.Security.EventSecret,
	}, s.logger)
	s.responder.OnResult = func(err error) {
		if err != nil {
			a.RecordError()
			return
		}
		a.RecordEvent()
	}

	cc, err := s.responder.Start(ctx, js)
	if err != nil {
		a.Close()
		return err
	}
	s.consume = cc

	s.logger.Info().Str("nats", s.cfg.NATS.URL).Msg("mailwatch-responder started")
	close(s.readyCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-s.stopCh:
		s.logger.Info().Msg("stop requested, shutting down")
	}

	cancel()
	s.consume.Stop()
	s.agent.Close()
	return nil
}

// Stop signals the service to shut down. Safe to call from another goroutine.
func (s *Service) Stop() {
	close(s.stopCh)
}

// Ready is closed once the consumer is running.
func (s *Service) Ready() <-chan struct{} { return s.readyCh }

// Stats returns the agent counters. Valid after Ready.
func (s *Service) Stats() agent.Stats { return s.agent.Stats() }
