// Package publish delivers normalized message events to JetStream.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// ErrPublish is returned when the broker does not acknowledge an event.
var ErrPublish = errors.New("publish event")

// Handle identifies an acknowledged event.
type Handle struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Publisher sends one event and waits for the broker's acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.MessageEvent) (Handle, error)
}

// StreamConfig describes the events stream.
type StreamConfig struct {
	Stream          string
	Subject         string
	DuplicateWindow time.Duration
	MaxAge          time.Duration
	// PublishTimeout bounds the wait for each acknowledgement.
	PublishTimeout  time.Duration
}

func (c *StreamConfig) defaults() {
	if c.Stream == "" {
		c.Stream = protocol.StreamMessages
	}
	if c.Subject == "" {
		c.Subject = protocol.SubjectMessages
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// JetStreamPublisher publishes events with a per-message dedup id so a
// re-run within the duplicate window does not produce a second copy.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	cfg    StreamConfig
	secret string
	logger zerolog.Logger
}

// NewJetStreamPublisher creates a publisher. When secret is set each event
// carries an HMAC signature header.
func NewJetStreamPublisher(js jetstream.JetStream, cfg StreamConfig, secret string, logger zerolog.Logger) *JetStreamPublisher {
	cfg.defaults()
	return &JetStreamPublisher{
		js:     js,
		cfg:    cfg,
		secret: secret,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// EnsureStream creates the stream or updates it to the configured limits.
func (p *JetStreamPublisher) EnsureStream(ctx context.Context) error {
	return EnsureStream(ctx, p.js, p.cfg)
}

// EnsureStream creates or updates the events stream described by cfg.
// Both the watcher and the responder call it so either can start first.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) error {
	cfg.defaults()
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Normalized Gmail message events",
		Subjects:    []string{cfg.Subject},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Duplicates:  cfg.DuplicateWindow,
		MaxAge:      cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Publish sends ev and returns once JetStream has stored it.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev protocol.MessageEvent) (Handle, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: marshal %s: %w", ErrPublish, ev.ID, err)
	}

	msg := nats.NewMsg(p.cfg.Subject)
	msg.Data = data
	msg.Header.Set(protocol.HeaderUser, ev.UserEmail)
	if sig := protocol.SignEvent(data, p.secret); sig != "" {
		msg.Header.Set(protocol.HeaderSignature, sig)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	ack, err := p.js.PublishMsg(callCtx, msg,
		jetstream.WithMsgID(protocol.MessageDedupID(ev.UserEmail, ev.ID)),
		jetstream.WithExpectStream(p.cfg.Stream),
	)
	if err != nil {
		// Only the caller's own cancellation is final; an ack timeout is retryable.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Handle{}, ctxErr
		}
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrPublish, ev.ID, err)
	}

	if ack.Duplicate {
		p.logger.Debug().Str("message_id", ev.ID).Uint64("seq", ack.Sequence).Msg("duplicate event dropped by stream")
	}
	return Handle{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}
