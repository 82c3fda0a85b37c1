// Package mailbox reads a Gmail mailbox's change history and sends replies.
package mailbox

import (
	"context"
	"strings"
	"time"
)

// HistoryPage is one page of history.list. NewCheckpoint is set only on the
// final page (empty NextPageToken).
type HistoryPage struct {
	Records       []ChangeRecord
	NextPageToken string
	NewCheckpoint uint64
}

// ChangeRecord is one history entry. Only message additions are requested.
type ChangeRecord struct {
	ID            uint64
	MessagesAdded []string
}

// RawMessage is a full-format Gmail message.
type RawMessage struct {
	ID       string
	ThreadID string
	LabelIDs []string
	Payload  *MessagePart
}

// MessagePart is a node of the MIME tree. BodyData is base64url as returned
// by the API.
type MessagePart struct {
	MimeType string
	Headers  []Header
	BodyData string
	Parts    []*MessagePart
}

// Header is one RFC 2822 header.
type Header struct {
	Name  string
	Value string
}

// Header returns the first header matching name case-insensitively.
func (p *MessagePart) Header(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HistoryClient is the read side of a mailbox used by the reconciler.
type HistoryClient interface {
	CurrentCheckpoint(ctx context.Context, userEmail string) (uint64, error)
	ListChanges(ctx context.Context, userEmail string, since uint64, pageToken string) (*HistoryPage, error)
	GetMessage(ctx context.Context, userEmail, messageID string) (*RawMessage, error)
}

// WatchClient manages the mailbox's push subscription.
type WatchClient interface {
	CurrentCheckpoint(ctx context.Context, userEmail string) (uint64, error)
	Watch(ctx context.Context, userEmail, topic string, labelIDs []string) (historyID uint64, expiration time.Time, err error)
}

// Reply is an outgoing answer to a received message.
type Reply struct {
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string // RFC 2822 Message-ID of the original
}

// Mailer sends replies from a user's mailbox.
type Mailer interface {
	SendReply(ctx context.Context, userEmail string, reply Reply) (messageID string, err error)
}
