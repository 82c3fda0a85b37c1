package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"

	"github.com/sekia-ai/mailwatch/internal/credentials"
)

// gmailUser addresses the impersonated mailbox; each user has its own service.
const gmailUser = "me"

// Options tunes the Gmail client.
type Options struct {
	// HistoryLabel restricts history.list to one label. Empty means all.
	HistoryLabel string
	PageSize     int64
	QPS          float64
	Burst        int
	CallTimeout  time.Duration
}

// GmailClient implements HistoryClient, WatchClient and Mailer over the Gmail
// REST API. Every call is rate limited, bounded by CallTimeout, and guarded
// by a per-mailbox circuit breaker that trips only on transient failures.
type GmailClient struct {
	creds   credentials.Provider
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	services map[string]*gmail.Service
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGmailClient creates a client that builds one Gmail service per user.
func NewGmailClient(creds credentials.Provider, opts Options, logger zerolog.Logger) *GmailClient {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.QPS > 0 {
		limit = rate.Limit(opts.QPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &GmailClient{
		creds:    creds,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		logger:   logger.With().Str("component", "gmail").Logger(),
		services: make(map[string]*gmail.Service),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for userEmail, creating it on first use.
// A failing mailbox does not short-circuit calls for the others.
func (c *GmailClient) breaker(userEmail string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[userEmail]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api:" + userEmail,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("user", userEmail).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	c.breakers[userEmail] = cb
	return cb
}

func (c *GmailClient) service(userEmail string) (*gmail.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[userEmail]; ok {
		return svc, nil
	}
	// The service outlives any single call, so it is not tied to a request ctx.
	opts, err := c.creds.ClientOptions(context.Background(), userEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials for %s: %w", ErrAuth, userEmail, err)
	}
	svc, err := gmail.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create gmail service for %s: %w", ErrAuth, userEmail, err)
	}
	c.services[userEmail] = svc
	return svc, nil
}

// call runs fn under the rate limiter, the user's breaker and the per-call
// timeout. A cancelled parent context is reported as-is so it is never
// retried. A limiter wait that cannot fit in the deadline is transient.
func (c *GmailClient) call(ctx context.Context, userEmail string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: rate limit wait: %w", ErrTransient, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	_, err := c.breaker(userEmail).Execute(func() (any, error) {
		return nil, fn(callCtx)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// CurrentCheckpoint returns the mailbox's latest history id.
func (c *GmailClient) CurrentCheckpoint(ctx context.Context, userEmail string) (uint64, error) {
	svc, err := c.service(userEmail)
	if err != nil {
		return 0, err
	}

	var profile *gmail.Profile
	err = c.call(ctx, userEmail, func(ctx context.Context) error {
		var err error
		profile, err = svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, classify("get profile", err, nil)
	}
	return profile.HistoryId, nil
}

// ListChanges fetches one page of message-added history after since.
func (c *GmailClient) ListChanges(ctx context.Context, userEmail string, since uint64, pageToken string) (*HistoryPage, error) {
	svc, err := c.service(userEmail)
	if err != nil {
		return nil, err
	}

	var resp *gmail.ListHistoryResponse
	err = c.call(ctx, userEmail, func(ctx context.Context) error {
		call := svc.Users.History.List(gmailUser).
			StartHistoryId(since).
			HistoryTypes("messageAdded").
			MaxResults(c.opts.PageSize)
		if c.opts.HistoryLabel != "" {
			call = call.LabelId(c.opts.HistoryLabel)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classify("list history", err, ErrCheckpointTooOld)
	}

	page := &HistoryPage{NextPageToken: resp.NextPageToken}
	for _, h := range resp.History {
		rec := ChangeRecord{ID: h.Id}
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				rec.MessagesAdded = append(rec.MessagesAdded, added.Message.Id)
			}
		}
		page.Records = append(page.Records, rec)
	}
	if resp.NextPageToken == "" {
		page.NewCheckpoint = resp.HistoryId
	}

	c.logger.Debug().
		Str("user", userEmail).
		Uint64("since", since).
		Int("records", len(page.Records)).
		Bool("last_page", resp.NextPageToken == "").
		Msg("listed history page")

	return page, nil
}

// GetMessage fetches one message in full format.
func (c *GmailClient) GetMessage(ctx context.Context, userEmail, messageID string) (*RawMessage, error) {
	svc, err := c.service(userEmail)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = c.call(ctx, userEmail, func(ctx context.Context) error {
		var err error
		msg, err = svc.Users.Messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classify("get message "+messageID, err, ErrNotFound)
	}
	return toRawMessage(msg), nil
}

// Watch (re)subscribes the mailbox to push notifications on topic.
func (c *GmailClient) Watch(ctx context.Context, userEmail, topic string, labelIDs []string) (uint64, time.Time, error) {
	svc, err := c.service(userEmail)
	if err != nil {
		return 0, time.Time{}, err
	}

	var resp *gmail.WatchResponse
	err = c.call(ctx, userEmail, func(ctx context.Context) error {
		var err error
		resp, err = svc.Users.Watch(gmailUser, &gmail.WatchRequest{
			LabelIds:  labelIDs,
			TopicName: topic,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, time.Time{}, classify("watch", err, nil)
	}
	return resp.HistoryId, time.UnixMilli(resp.Expiration), nil
}

// SendReply sends a plain-text reply in the original thread.
func (c *GmailClient) SendReply(ctx context.Context, userEmail string, reply Reply) (string, error) {
	svc, err := c.service(userEmail)
	if err != nil {
		return "", err
	}

	raw := buildRFC2822(userEmail, reply)
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: reply.ThreadID,
	}

	var sent *gmail.Message
	err = c.call(ctx, userEmail, func(ctx context.Context) error {
		var err error
		sent, err = svc.Users.Messages.Send(gmailUser, msg).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", classify("send reply", err, nil)
	}
	return sent.Id, nil
}

// BreakerState reports the circuit breaker state of one mailbox.
func (c *GmailClient) BreakerState(userEmail string) string {
	return c.breaker(userEmail).State().String()
}

func toRawMessage(msg *gmail.Message) *RawMessage {
	return &RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		LabelIDs: msg.LabelIds,
		Payload:  toPart(msg.Payload),
	}
}

func toPart(p *gmail.MessagePart) *MessagePart {
	if p == nil {
		return nil
	}
	part := &MessagePart{MimeType: p.MimeType}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.BodyData = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, toPart(child))
	}
	return part
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// buildRFC2822 constructs a minimal RFC 2822 reply.
func buildRFC2822(from string, r Reply) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", r.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", r.Subject))
	if r.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", r.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", r.InReplyTo)
	}
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	fmt.Fprintf(&b, "\r\n%s", r.Body)
	return b.String()
}
