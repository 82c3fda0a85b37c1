package watch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/checkpoint"
)

// Renewer renews every configured user's subscription on a fixed cadence.
type Renewer struct {
	reg      *Registrar
	store    checkpoint.Store
	users    []string
	interval time.Duration
	logger   zerolog.Logger

	// OnRenew is called after each user is processed, with the error if any.
	OnRenew func(userEmail string, err error)
}

// NewRenewer creates a Renewer. interval defaults to 24h.
func NewRenewer(reg *Registrar, store checkpoint.Store, users []string, interval time.Duration, logger zerolog.Logger) *Renewer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Renewer{
		reg:      reg,
		store:    store,
		users:    users,
		interval: interval,
		logger:   logger.With().Str("component", "renewer").Logger(),
	}
}

// Run activates every user immediately and then renews on every tick until
// ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Startup(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Startup subscribes users that have no live subscription and seeds missing
// checkpoints. A failure for one user does not stop the rest.
func (r *Renewer) Startup(ctx context.Context) error {
	return r.each(ctx, r.activateUser)
}

// RunOnce renews all users. A failure for one user does not stop the rest.
func (r *Renewer) RunOnce(ctx context.Context) error {
	return r.each(ctx, r.renewUser)
}

func (r *Renewer) each(ctx context.Context, fn func(context.Context, string) error) error {
	var errs []error
	for _, user := range r.users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := fn(ctx, user)
		if err != nil {
			r.logger.Error().Err(err).Str("user", user).Msg("watch renewal failed")
			errs = append(errs, err)
		}
		if r.OnRenew != nil {
			r.OnRenew(user, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Renewer) activateUser(ctx context.Context, user string) error {
	sub, seeded, err := Activate(ctx, r.reg, r.store, user)
	if err != nil {
		return err
	}
	if seeded {
		r.logger.Info().Str("user", user).Uint64("history_id", sub.HistoryID).Msg("checkpoint seeded")
	}
	return nil
}

func (r *Renewer) renewUser(ctx context.Context, user string) error {
	sub, err := r.reg.Renew(ctx, user)
	if err != nil {
		return err
	}
	seeded, err := SeedCheckpoint(ctx, r.store, user, sub.HistoryID)
	if err != nil {
		return err
	}
	if seeded {
		r.logger.Info().Str("user", user).Uint64("history_id", sub.HistoryID).Msg("checkpoint seeded")
	}
	return nil
}
