// Package server runs the mailwatch watcher: it accepts Gmail push
// notifications over HTTP or NATS, reconciles mailbox history, and keeps
// push subscriptions renewed.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sekia-ai/mailwatch/internal/api"
	"github.com/sekia-ai/mailwatch/internal/config"
	"github.com/sekia-ai/mailwatch/internal/reconcile"
	"github.com/sekia-ai/mailwatch/internal/registry"
	"github.com/sekia-ai/mailwatch/internal/watch"
	"github.com/sekia-ai/mailwatch/pkg/agent"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

const serviceName = "mailwatch"

// maxInflightTriggers bounds NATS-delivered triggers processed at once.
const maxInflightTriggers = 8

// Daemon is the mailwatch serve process.
type Daemon struct {
	cfg     config.Config
	version string
	opts    BuildOptions
	logger  zerolog.Logger

	comps     *Components
	agent     *agent.Agent
	registry  *registry.Registry
	apiServer *api.Server
	sub       *nats.Subscription
	triggers  errgroup.Group
	startedAt time.Time

	stopCh  chan struct{}
	readyCh chan struct{}
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg config.Config, version string, logger zerolog.Logger) *Daemon {
	return NewTestDaemon(cfg, version, BuildOptions{}, logger)
}

// NewTestDaemon creates a Daemon with overridden pipeline parts.
func NewTestDaemon(cfg config.Config, version string, opts BuildOptions, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		version: version,
		opts:    opts,
		logger:  logger.With().Str("component", "daemon").Logger(),
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal is received or Stop
// is called.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Pipeline: NATS, Gmail, checkpoint store, publisher.
	comps, err := Build(ctx, d.cfg, d.opts, d.logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	d.comps = comps

	// 2. Registry, subscribed before the agent registers, then the agent.
	reg, err := registry.New(comps.Conn, 0, d.logger)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("start registry: %w", err)
	}
	d.registry = reg
	if err := comps.Conn.Flush(); err != nil {
		d.shutdown()
		return fmt.Errorf("flush nats: %w", err)
	}

	a, err := agent.New(agent.Config{
		NATSUrl:  comps.NATSURL,
		NATSOpts: comps.NATSOpts,
	}, serviceName, d.version, []string{"reconcile", "watch", "pubsub-push"}, d.logger)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("create agent: %w", err)
	}
	d.agent = a

	// 3. Triggers bridged over NATS.
	d.triggers.SetLimit(maxInflightTriggers)
	d.sub, err = comps.Conn.QueueSubscribe(protocol.SubjectTriggers, serviceName, func(msg *nats.Msg) {
		d.handleNATSTrigger(ctx, msg)
	})
	if err != nil {
		d.shutdown()
		return fmt.Errorf("subscribe triggers: %w", err)
	}

	// 4. HTTP push endpoint and status API.
	d.apiServer = api.New(api.Config{
		Listen:     d.cfg.HTTP.Listen,
		PushPath:   d.cfg.HTTP.PushPath,
		PushToken:  d.cfg.HTTP.PushToken,
		RunTimeout: d.cfg.Reconcile.RunTimeout,
		Service:    serviceName,
		Version:    d.version,
		Users:      d.cfg.Gmail.Users,
	}, d, reg, a.Stats, d.startedAt, d.logger)
	apiErrCh := make(chan error, 1)
	go func() { apiErrCh <- d.apiServer.Start() }()

	// 5. Watch renewal.
	renewer := watch.NewRenewer(comps.Registrar, comps.Store, d.cfg.Gmail.Users, d.cfg.Watch.RenewInterval, d.logger)
	renewer.OnRenew = func(_ string, err error) {
		if err != nil {
			a.RecordError()
		}
	}
	go renewer.Run(ctx)

	d.logger.Info().
		Strs("users", d.cfg.Gmail.Users).
		Str("nats", comps.NATSURL).
		Str("checkpoint_backend", d.cfg.Checkpoint.Backend).
		Msg("mailwatch started")
	close(d.readyCh)

	// 6. Wait for signal, stop call, or API error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	case err := <-apiErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("HTTP server error")
		}
	}

	cancel()
	return d.shutdown()
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

// Ready is closed once every subsystem is running.
func (d *Daemon) Ready() <-chan struct{} { return d.readyCh }

// HTTPAddr returns the bound HTTP address, or "" before Ready.
func (d *Daemon) HTTPAddr() string {
	if d.apiServer == nil || d.apiServer.Addr() == nil {
		return ""
	}
	return d.apiServer.Addr().String()
}

// Components returns the wired pipeline. Valid after Ready.
func (d *Daemon) Components() *Components { return d.comps }

// HandleTrigger reconciles the notified mailbox. Notifications for
// mailboxes that are not configured are acknowledged and ignored.
func (d *Daemon) HandleTrigger(ctx context.Context, n protocol.PushNotification) (reconcile.Result, error) {
	if !slices.Contains(d.cfg.Gmail.Users, n.EmailAddress) {
		d.logger.Warn().Str("user", n.EmailAddress).Msg("ignoring trigger for unconfigured mailbox")
		return reconcile.Result{UserEmail: n.EmailAddress, State: reconcile.Idle}, nil
	}

	res, err := d.comps.Reconciler.Reconcile(ctx, reconcile.Trigger{
		UserEmail:      n.EmailAddress,
		HintCheckpoint: uint64(n.HistoryID),
	})
	if errors.Is(err, reconcile.ErrNoCheckpoint) {
		return d.establishBaseline(ctx, n.EmailAddress, res)
	}
	if err != nil {
		d.agent.RecordError()
		return res, err
	}
	d.agent.RecordEvents(res.Published)
	return res, nil
}

// establishBaseline subscribes a mailbox that has no checkpoint and seeds
// one. Changes before the baseline are not published.
func (d *Daemon) establishBaseline(ctx context.Context, user string, res reconcile.Result) (reconcile.Result, error) {
	sub, seeded, err := watch.Activate(ctx, d.comps.Registrar, d.comps.Store, user)
	if err != nil {
		d.agent.RecordError()
		return res, fmt.Errorf("establish baseline for %s: %w", user, err)
	}
	d.logger.Info().
		Str("user", user).
		Uint64("history_id", sub.HistoryID).
		Bool("seeded", seeded).
		Msg("no checkpoint, baseline established")
	res.State = reconcile.Done
	res.FinalCheckpoint = sub.HistoryID
	return res, nil
}

func (d *Daemon) handleNATSTrigger(ctx context.Context, msg *nats.Msg) {
	n, err := protocol.ParsePushNotification(msg.Data)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dropping malformed trigger")
		return
	}
	d.triggers.Go(func() error {
		runCtx, cancel := context.WithTimeout(ctx, d.runTimeout())
		defer cancel()
		if _, err := d.HandleTrigger(runCtx, n); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Str("user", n.EmailAddress).Msg("trigger failed")
		}
		return nil
	})
}

func (d *Daemon) runTimeout() time.Duration {
	if d.cfg.Reconcile.RunTimeout > 0 {
		return d.cfg.Reconcile.RunTimeout
	}
	return 5 * time.Minute
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.apiServer != nil {
		d.apiServer.Shutdown(ctx)
	}
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
	d.triggers.Wait()
	if d.registry != nil {
		d.registry.Close()
	}
	if d.agent != nil {
		d.agent.Close()
	}
	if d.comps != nil {
		d.comps.Close()
	}
	return nil
}
