// Package responder consumes message events, drafts a reply with an LLM,
// sends it from the recipient's mailbox, and records the result.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/publish"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// ErrRejected marks events that can never be processed. They are
// terminated instead of redelivered.
var ErrRejected = errors.New("event rejected")

// Outcome is what Handle did with an event.
type Outcome int

const (
	Replied Outcome = iota
	AlreadyProcessed
)

// Auditor records answered emails.
type Auditor interface {
	Processed(ctx context.Context, userEmail, emailID string) (bool, error)
	Save(ctx context.Context, r Record) (Record, error)
}

// Config tunes the consumer.
type Config struct {
	Stream      publish.StreamConfig
	Durable     string
	MaxDeliver  int
	AckWait     time.Duration
	NakDelay    time.Duration
	EventSecret string
}

func (c *Config) defaults() {
	if c.Stream.Stream == "" {
		c.Stream.Stream = protocol.StreamMessages
	}
	if c.Stream.Subject == "" {
		c.Stream.Subject = protocol.SubjectMessages
	}
	if c.Durable == "" {
		c.Durable = "mailwatch-responder"
	}
	if c.MaxDeliver < 1 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 30 * time.Second
	}
}

// Responder answers message events.
type Responder struct {
	gen    ResponseGenerator
	mailer mailbox.Mailer
	audit  Auditor
	cfg    Config
	logger zerolog.Logger

	// OnResult is called after every delivery with the handling error, if any.
	OnResult func(err error)
}

// New creates a Responder.
func New(gen ResponseGenerator, mailer mailbox.Mailer, audit Auditor, cfg Config, logger zerolog.Logger) *Responder {
	cfg.defaults()
	return &Responder{
		gen:    gen,
		mailer: mailer,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With().Str("component", "responder").Logger(),
	}
}

// Handle processes one event. Events already in the audit store are
// skipped, which makes redelivery of the at-least-once stream harmless.
func (r *Responder) Handle(ctx context.Context, data []byte, header nats.Header) (Outcome, error) {
	if !protocol.VerifyEvent(data, header.Get(protocol.HeaderSignature), r.cfg.EventSecret) {
		return 0, fmt.Errorf("%w: bad signature", ErrRejected)
	}

	var ev protocol.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return 0, fmt.Errorf("%w: decode event: %w", ErrRejected, err)
	}
	if ev.ID == "" || ev.UserEmail == "" {
		return 0, fmt.Errorf("%w: event missing id or user_email", ErrRejected)
	}
	log := r.logger.With().Str("user", ev.UserEmail).Str("email_id", ev.ID).Logger()

	done, err := r.audit.Processed(ctx, ev.UserEmail, ev.ID)
	if err != nil {
		return 0, err
	}
	if done {
		log.Info().Msg("already answered, skipping")
		return AlreadyProcessed, nil
	}

	reply, err := r.gen.GenerateReply(ctx, Email{Subject: ev.Subject, Body: ev.Body, From: ev.From})
	if err != nil {
		return 0, fmt.Errorf("generate reply: %w", err)
	}

	sentID, err := r.mailer.SendReply(ctx, ev.UserEmail, mailbox.Reply{
		To:      ev.From,
		Subject: mailbox.ReplySubject(ev.Subject),
		Body:    reply,
	})
	if err != nil {
		return 0, fmt.Errorf("send reply: %w", err)
	}

	rec, err := r.audit.Save(ctx, Record{
		UserEmail:      ev.UserEmail,
		EmailID:        ev.ID,
		Response:       reply,
		ReplyMessageID: sentID,
	})
	if err != nil {
		// The reply is out; a redelivery would send it twice.
		log.Error().Err(err).Str("reply_id", sentID).Msg("reply sent but audit record failed")
		return Replied, nil
	}

	log.Info().Str("reply_id", sentID).Str("record", rec.ID).Msg("reply sent")
	return Replied, nil
}

// Start ensures the stream and a durable consumer exist and begins
// consuming. Stop the returned context to stop consuming.
func (r *Responder) Start(ctx context.Context, js jetstream.JetStream) (jetstream.ConsumeContext, error) {
	if err := publish.EnsureStream(ctx, js, r.cfg.Stream); err != nil {
		return nil, err
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, r.cfg.Stream.Stream, jetstream.ConsumerConfig{
		Durable:       r.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       r.cfg.AckWait,
		MaxDeliver:    r.cfg.MaxDeliver,
		FilterSubject: r.cfg.Stream.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", r.cfg.Durable, err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) { r.process(ctx, msg) })
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", r.cfg.Durable, err)
	}
	r.logger.Info().Str("stream", r.cfg.Stream.Stream).Str("durable", r.cfg.Durable).Msg("consuming message events")
	return cc, nil
}

func (r *Responder) process(ctx context.Context, msg jetstream.Msg) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.AckWait)
	defer cancel()

	_, err := r.Handle(hctx, msg.Data(), msg.Headers())
	if r.OnResult != nil {
		r.OnResult(err)
	}

	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, ErrRejected):
		r.logger.Warn().Err(err).Msg("terminating undeliverable event")
		msg.Term()
	default:
		var delivered uint64
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		if delivered >= uint64(r.cfg.MaxDeliver) {
			r.logger.Error().Err(err).Uint64("deliveries", delivered).Msg("giving up on event")
			msg.Term()
			return
		}
		r.logger.Warn().Err(err).Uint64("deliveries", delivered).Dur("retry_in", r.cfg.NakDelay).Msg("event failed, will retry")
		msg.NakWithDelay(r.cfg.NakDelay)
	}
}
