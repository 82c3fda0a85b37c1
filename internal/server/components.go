package server

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/checkpoint"
	"github.com/sekia-ai/mailwatch/internal/config"
	"github.com/sekia-ai/mailwatch/internal/credentials"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/natsserver"
	"github.com/sekia-ai/mailwatch/internal/publish"
	"github.com/sekia-ai/mailwatch/internal/reconcile"
	"github.com/sekia-ai/mailwatch/internal/retry"
	"github.com/sekia-ai/mailwatch/internal/secrets"
	"github.com/sekia-ai/mailwatch/internal/watch"
)

// Mailbox is everything the watcher needs from Gmail.
type Mailbox interface {
	mailbox.HistoryClient
	mailbox.WatchClient
}

// Components is the wired watcher pipeline, shared by the daemon and the
// one-shot CLI commands.
type Components struct {
	NATS       *natsserver.Server // nil when dialing an external server
	Conn       *nats.Conn
	NATSURL    string
	NATSOpts   []nats.Option
	JetStream  jetstream.JetStream
	Mailbox    Mailbox
	Store      checkpoint.Store
	Publisher  *publish.JetStreamPublisher
	Reconciler *reconcile.Reconciler
	Registrar  *watch.Registrar

	closers []func()
}

// BuildOptions overrides parts of the pipeline.
type BuildOptions struct {
	// Mailbox replaces the Gmail client; credentials are not loaded.
	Mailbox Mailbox
}

// Build connects to NATS (starting the embedded server if configured) and
// wires the checkpoint store, publisher, reconciler and registrar.
func Build(ctx context.Context, cfg config.Config, opts BuildOptions, logger zerolog.Logger) (*Components, error) {
	c := &Components{}
	built := false
	defer func() {
		if !built {
			c.Close()
		}
	}()

	if err := c.connectNATS(cfg.NATS, logger); err != nil {
		return nil, err
	}

	c.Mailbox = opts.Mailbox
	if c.Mailbox == nil {
		mb, err := newGmailClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		c.Mailbox = mb
	}

	store, err := openStore(ctx, cfg, c.JetStream)
	if err != nil {
		return nil, err
	}
	c.Store = store
	if closer, ok := store.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func() { closer.Close() })
	}

	c.Publisher = publish.NewJetStreamPublisher(c.JetStream, publish.StreamConfig{
		Stream:          cfg.Publish.Stream,
		Subject:         cfg.Publish.Subject,
		DuplicateWindow: cfg.Publish.DuplicateWindow,
		MaxAge:          cfg.Publish.MaxAge,
		PublishTimeout:  cfg.Publish.Timeout,
	}, cfg.Security.EventSecret, logger)
	if err := c.Publisher.EnsureStream(ctx); err != nil {
		return nil, err
	}

	policy := RetryPolicy(cfg.Reconcile)
	c.Reconciler = reconcile.New(c.Mailbox, c.Store, c.Publisher, reconcile.Config{
		Concurrency: cfg.Reconcile.Concurrency,
		Retry:       policy,
	}, logger)
	c.Registrar = watch.NewRegistrar(c.Mailbox, watch.Config{
		Topic:       cfg.Gmail.Topic,
		LabelIDs:    cfg.Gmail.LabelIDs,
		RenewMargin: cfg.Watch.RenewMargin,
	}, policy, logger)

	built = true
	return c, nil
}

// RetryPolicy maps reconcile settings onto a retry policy.
func RetryPolicy(rc config.ReconcileConfig) retry.Policy {
	p := retry.Default()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.MinBackoff > 0 {
		p.MinDelay = rc.MinBackoff
	}
	if rc.MaxBackoff > 0 {
		p.MaxDelay = rc.MaxBackoff
	}
	return p
}

func (c *Components) connectNATS(nc config.NATSConfig, logger zerolog.Logger) error {
	if nc.Embedded {
		ns, err := natsserver.New(natsserver.Config{
			StoreDir: nc.DataDir,
			Host:     nc.Host,
			Port:     nc.Port,
			Token:    nc.Token,
		}, logger)
		if err != nil {
			return fmt.Errorf("start nats: %w", err)
		}
		c.NATS = ns
		c.closers = append(c.closers, ns.Shutdown)
		c.NATSURL = ns.ClientURL()
		c.NATSOpts = ns.ConnectOpts()
	} else {
		c.NATSURL = nc.URL
		if nc.Token != "" {
			c.NATSOpts = append(c.NATSOpts, nats.Token(nc.Token))
		}
	}

	conn, err := nats.Connect(c.NATSURL, append([]nats.Option{nats.Name("mailwatch-pipeline")}, c.NATSOpts...)...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", c.NATSURL, err)
	}
	c.Conn = conn
	// Closers run in reverse, so the connection drains before the server stops.
	c.closers = append(c.closers, func() { conn.Drain() })

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("jetstream init: %w", err)
	}
	c.JetStream = js
	return nil
}

func newGmailClient(cfg config.Config, logger zerolog.Logger) (*mailbox.GmailClient, error) {
	creds, err := LoadCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return mailbox.NewGmailClient(creds, mailbox.Options{
		HistoryLabel: historyLabel(cfg.Gmail.LabelIDs),
		PageSize:     cfg.Gmail.PageSize,
		QPS:          cfg.Gmail.QPS,
		Burst:        cfg.Gmail.Burst,
		CallTimeout:  cfg.Gmail.CallTimeout,
	}, logger), nil
}

// LoadCredentials reads the (possibly age-encrypted) service account key.
func LoadCredentials(cfg config.Config) (*credentials.ServiceAccountProvider, error) {
	keyJSON, err := secrets.ReadFile(cfg.Google.CredentialsFile, cfg.Identities())
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return credentials.NewServiceAccountProvider(keyJSON)
}

// history.list accepts a single label filter.
func historyLabel(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

func openStore(ctx context.Context, cfg config.Config, js jetstream.JetStream) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "nats":
		return checkpoint.OpenKV(ctx, js, cfg.Checkpoint.Bucket, cfg.Gmail.CallTimeout)
	case "sqlite", "":
		return checkpoint.OpenSQLite(cfg.Checkpoint.Path, cfg.Gmail.CallTimeout)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// Close releases everything Build opened, in reverse order.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// OpenStore opens only the configured checkpoint store, for maintenance
// commands that must not touch Gmail. Call the returned func when done.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (checkpoint.Store, func(), error) {
	c := &Components{}
	if cfg.Checkpoint.Backend == "nats" {
		if err := c.connectNATS(cfg.NATS, logger); err != nil {
			c.Close()
			return nil, nil, err
		}
	}
	store, err := openStore(ctx, cfg, c.JetStream)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func() { closer.Close() })
	}
	return store, c.Close, nil
}
