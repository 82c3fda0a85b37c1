// Package watch keeps each mailbox's Gmail push subscription alive.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/checkpoint"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/retry"
)

// Subscription is the state of one mailbox's push subscription.
type Subscription struct {
	HistoryID  uint64
	Expiration time.Time
	Renewed    bool
}

// Config describes what to subscribe to.
type Config struct {
	Topic    string
	LabelIDs []string
	// RenewMargin is how close to expiry a subscription may get before
	// EnsureActive renews it.
	RenewMargin time.Duration
}

// Registrar creates and renews subscriptions. It remembers the expiration
// of every subscription it made; an unknown expiration counts as expiring.
type Registrar struct {
	client mailbox.WatchClient
	cfg    Config
	policy retry.Policy
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	expirations map[string]time.Time
}

// NewRegistrar creates a Registrar.
func NewRegistrar(client mailbox.WatchClient, cfg Config, policy retry.Policy, logger zerolog.Logger) *Registrar {
	if len(cfg.LabelIDs) == 0 {
		cfg.LabelIDs = []string{"INBOX"}
	}
	if cfg.RenewMargin <= 0 {
		cfg.RenewMargin = 24 * time.Hour
	}
	policy.Retryable = func(err error) bool { return errors.Is(err, mailbox.ErrTransient) }
	return &Registrar{
		client:      client,
		cfg:         cfg,
		policy:      policy,
		logger:      logger.With().Str("component", "watch").Logger(),
		now:         time.Now,
		expirations: make(map[string]time.Time),
	}
}

// EnsureActive renews the subscription if the mailbox has no change feed
// yet or the subscription is about to lapse. Otherwise it reports the
// current checkpoint without calling watch.
func (r *Registrar) EnsureActive(ctx context.Context, userEmail string) (Subscription, error) {
	var current uint64
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		current, err = r.client.CurrentCheckpoint(ctx, userEmail)
		return err
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("probe %s: %w", userEmail, err)
	}

	r.mu.Lock()
	exp, known := r.expirations[userEmail]
	r.mu.Unlock()

	if current != 0 && known && r.now().Add(r.cfg.RenewMargin).Before(exp) {
		return Subscription{HistoryID: current, Expiration: exp}, nil
	}
	return r.Renew(ctx, userEmail)
}

// Renew subscribes the mailbox unconditionally. Gmail replaces any existing
// subscription, so this is safe to repeat.
func (r *Registrar) Renew(ctx context.Context, userEmail string) (Subscription, error) {
	var sub Subscription
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		hid, exp, err := r.client.Watch(ctx, userEmail, r.cfg.Topic, r.cfg.LabelIDs)
		if err != nil {
			return err
		}
		sub = Subscription{HistoryID: hid, Expiration: exp, Renewed: true}
		return nil
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("watch %s: %w", userEmail, err)
	}

	r.mu.Lock()
	r.expirations[userEmail] = sub.Expiration
	r.mu.Unlock()

	r.logger.Info().
		Str("user", userEmail).
		Uint64("history_id", sub.HistoryID).
		Time("expires", sub.Expiration).
		Msg("watch renewed")
	return sub, nil
}

// Expiration returns the last known expiration for userEmail.
func (r *Registrar) Expiration(userEmail string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expirations[userEmail]
	return exp, ok
}

// SeedCheckpoint stores historyID as the user's baseline when nothing is
// stored yet. It reports whether it wrote. The write is insert-only, so a
// checkpoint persisted concurrently by a reconcile run always wins.
func SeedCheckpoint(ctx context.Context, store checkpoint.Store, userEmail string, historyID uint64) (bool, error) {
	if historyID == 0 {
		return false, nil
	}
	return store.Seed(ctx, userEmail, historyID)
}

// Activate makes sure userEmail has a live subscription and a baseline
// checkpoint. It is used at startup and whenever a mailbox turns out to
// have no checkpoint; the renewal cadence calls Renew directly.
func Activate(ctx context.Context, reg *Registrar, store checkpoint.Store, userEmail string) (Subscription, bool, error) {
	sub, err := reg.EnsureActive(ctx, userEmail)
	if err != nil {
		return Subscription{}, false, err
	}
	seeded, err := SeedCheckpoint(ctx, store, userEmail, sub.HistoryID)
	if err != nil {
		return sub, false, fmt.Errorf("seed %s: %w", userEmail, err)
	}
	return sub, seeded, nil
}
