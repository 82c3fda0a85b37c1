// Package reconcile brings a user's published events up to date with the
// mailbox history and advances the stored checkpoint once everything in
// between has been delivered.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sekia-ai/mailwatch/internal/checkpoint"
	"github.com/sekia-ai/mailwatch/internal/extract"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/publish"
	"github.com/sekia-ai/mailwatch/internal/retry"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

var (
	// ErrNoCheckpoint means neither the store nor the trigger supplied a
	// starting point. A baseline must be established with a watch first.
	ErrNoCheckpoint = errors.New("no checkpoint for user")

	ErrEmptyUser = errors.New("trigger has no user email")
)

// Trigger starts a run. HintCheckpoint is used only when nothing is stored.
type Trigger struct {
	UserEmail      string
	HintCheckpoint uint64
}

// Result summarizes a run.
type Result struct {
	RunID           string
	UserEmail       string
	State           State
	StartCheckpoint uint64
	FinalCheckpoint uint64
	Pages           int
	Published       int
	Skipped         int
	Duplicates      int
	Resynced        bool
}

// Config tunes a Reconciler.
type Config struct {
	// Concurrency bounds in-page message processing. 1 keeps publish order.
	Concurrency int
	Retry       retry.Policy
}

// Reconciler runs history synchronization. Runs for the same user are
// serialized; runs for different users proceed in parallel.
type Reconciler struct {
	mailbox mailbox.HistoryClient
	store   checkpoint.Store
	pub     publish.Publisher
	cfg     Config
	locks   *userLocks
	logger  zerolog.Logger
}

// New creates a Reconciler.
func New(mb mailbox.HistoryClient, store checkpoint.Store, pub publish.Publisher, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.Default()
	}
	cfg.Retry.Retryable = retryable
	return &Reconciler{
		mailbox: mb,
		store:   store,
		pub:     pub,
		cfg:     cfg,
		locks:   newUserLocks(),
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

func retryable(err error) bool {
	return errors.Is(err, mailbox.ErrTransient) || errors.Is(err, publish.ErrPublish)
}

// Reconcile processes everything added to the user's mailbox since the
// stored checkpoint. The checkpoint is written only when the run succeeds,
// so a failed or cancelled run is safe to repeat.
func (r *Reconciler) Reconcile(ctx context.Context, trig Trigger) (Result, error) {
	res := Result{RunID: uuid.NewString(), UserEmail: trig.UserEmail, State: Idle}
	if trig.UserEmail == "" {
		res.State = Failed
		return res, ErrEmptyUser
	}
	log := r.logger.With().Str("run_id", res.RunID).Str("user", trig.UserEmail).Logger()

	fail := func(err error) (Result, error) {
		log.Error().Err(err).Str("state", res.State.String()).Msg("reconciliation failed")
		res.State = Failed
		return res, fmt.Errorf("reconcile %s: %w", trig.UserEmail, err)
	}

	unlock, err := r.locks.lock(ctx, trig.UserEmail)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	started := time.Now()
	res.State = ResolvingCheckpoint
	stored, ok, err := r.store.Get(ctx, trig.UserEmail)
	if err != nil {
		return fail(err)
	}
	switch {
	case ok:
		res.StartCheckpoint = stored
	case trig.HintCheckpoint != 0:
		res.StartCheckpoint = trig.HintCheckpoint
		log.Info().Uint64("hint", trig.HintCheckpoint).Msg("no stored checkpoint, using trigger hint")
	default:
		return fail(ErrNoCheckpoint)
	}

	res.State = Comparing
	var current uint64
	err = r.withRetry(ctx, log, "current checkpoint", func(ctx context.Context) error {
		var err error
		current, err = r.mailbox.CurrentCheckpoint(ctx, trig.UserEmail)
		return err
	})
	if err != nil {
		return fail(err)
	}
	if current <= res.StartCheckpoint {
		res.State = Done
		res.FinalCheckpoint = res.StartCheckpoint
		log.Debug().Uint64("stored", res.StartCheckpoint).Uint64("current", current).Msg("mailbox unchanged")
		return res, nil
	}

	res.State = Paging
	final, err := r.page(ctx, log, trig.UserEmail, res.StartCheckpoint, &res)
	switch {
	case errors.Is(err, mailbox.ErrCheckpointTooOld):
		log.Warn().Uint64("since", res.StartCheckpoint).Uint64("current", current).
			Msg("checkpoint older than retained history, resyncing to current")
		res.Resynced = true
		final = current
	case err != nil:
		return fail(err)
	}
	final = max(final, current, res.StartCheckpoint)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := r.store.Advance(ctx, trig.UserEmail, final); err != nil {
		return fail(err)
	}

	res.State = Done
	res.FinalCheckpoint = final
	log.Info().
		Uint64("from", res.StartCheckpoint).
		Uint64("to", final).
		Int("pages", res.Pages).
		Int("published", res.Published).
		Int("skipped", res.Skipped).
		Bool("resynced", res.Resynced).
		Dur("took", time.Since(started)).
		Msg("reconciliation done")
	return res, nil
}

// page walks history from since and returns the final page's checkpoint.
func (r *Reconciler) page(ctx context.Context, log zerolog.Logger, user string, since uint64, res *Result) (uint64, error) {
	seen := make(map[string]struct{})
	token := ""
	for {
		var page *mailbox.HistoryPage
		err := r.withRetry(ctx, log, "list changes", func(ctx context.Context) error {
			var err error
			page, err = r.mailbox.ListChanges(ctx, user, since, token)
			return err
		})
		if err != nil {
			return 0, err
		}
		res.Pages++

		var ids []string
		for _, rec := range page.Records {
			for _, id := range rec.MessagesAdded {
				if _, dup := seen[id]; dup {
					res.Duplicates++
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}

		if err := r.processPage(ctx, log, user, ids, res); err != nil {
			return 0, err
		}

		if page.NextPageToken == "" {
			return page.NewCheckpoint, nil
		}
		token = page.NextPageToken
	}
}

type outcome int

const (
	published outcome = iota
	skipped
)

func (r *Reconciler) processPage(ctx context.Context, log zerolog.Logger, user string, ids []string, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	var mu sync.Mutex
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := r.processMessage(gctx, log, user, id)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case published:
				res.Published++
			case skipped:
				res.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Reconciler) processMessage(ctx context.Context, log zerolog.Logger, user, id string) (outcome, error) {
	var msg *mailbox.RawMessage
	err := r.withRetry(ctx, log, "get message", func(ctx context.Context) error {
		var err error
		msg, err = r.mailbox.GetMessage(ctx, user, id)
		return err
	})
	if errors.Is(err, mailbox.ErrNotFound) {
		log.Info().Str("message_id", id).Msg("message gone before fetch, skipping")
		return skipped, nil
	}
	if err != nil {
		return 0, err
	}

	content, err := extract.Extract(msg)
	if errors.Is(err, extract.ErrDecode) {
		log.Warn().Err(err).Str("message_id", id).Msg("undecodable message body, skipping")
		return skipped, nil
	}
	if err != nil {
		return 0, err
	}

	ev := protocol.MessageEvent{
		ID:        id,
		UserEmail: user,
		Subject:   content.Subject,
		From:      content.From,
		Body:      content.Body,
	}
	var h publish.Handle
	err = r.withRetry(ctx, log, "publish", func(ctx context.Context) error {
		var err error
		h, err = r.pub.Publish(ctx, ev)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Debug().Str("message_id", id).Uint64("seq", h.Sequence).Bool("duplicate", h.Duplicate).Msg("event published")
	return published, nil
}

func (r *Reconciler) withRetry(ctx context.Context, log zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	p := r.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying")
	}
	return p.Do(ctx, fn)
}
