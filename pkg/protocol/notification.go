package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedTrigger is returned for notifications missing a user or history id.
var ErrMalformedTrigger = errors.New("malformed trigger")

// PushNotification is the payload Gmail publishes to the watch topic. The
// history id is only a hint; the stored checkpoint takes precedence.
type PushNotification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
}

// HistoryID decodes from either a JSON number or a decimal string.
type HistoryID uint64

func (h *HistoryID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*h = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse historyId %q: %w", s, err)
	}
	*h = HistoryID(v)
	return nil
}

// Validate reports ErrMalformedTrigger when a required field is absent.
func (n PushNotification) Validate() error {
	if strings.TrimSpace(n.EmailAddress) == "" {
		return fmt.Errorf("%w: missing emailAddress", ErrMalformedTrigger)
	}
	if n.HistoryID == 0 {
		return fmt.Errorf("%w: missing historyId", ErrMalformedTrigger)
	}
	return nil
}

// ParsePushNotification decodes and validates a raw notification. Every
// failure wraps ErrMalformedTrigger.
func ParsePushNotification(data []byte) (PushNotification, error) {
	var n PushNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return PushNotification{}, fmt.Errorf("%w: %w", ErrMalformedTrigger, err)
	}
	if err := n.Validate(); err != nil {
		return PushNotification{}, err
	}
	return n, nil
}

// PushEnvelope is the body Cloud Pub/Sub POSTs to a push subscription endpoint.
type PushEnvelope struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

// PubSubMessage is the message inside a PushEnvelope. Data is base64 on the
// wire and decoded by encoding/json.
type PubSubMessage struct {
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId"`
	PublishTime time.Time         `json:"publishTime"`
}
