package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrAuth means credentials were rejected or delegation is not allowed.
	ErrAuth = errors.New("mailbox auth failed")
	// ErrTransient covers network failures, timeouts, throttling and 5xx.
	ErrTransient = errors.New("mailbox temporarily unavailable")
	// ErrCheckpointTooOld means history.list no longer covers the start id.
	ErrCheckpointTooOld = errors.New("history checkpoint too old")
	// ErrNotFound means the message was deleted before it could be fetched.
	ErrNotFound = errors.New("message not found")
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"backendError":          true,
}

// isTransient reports whether a raw API error is worth retrying and should
// count against the circuit breaker.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429, apiErr.Code >= 500:
			return true
		case apiErr.Code == 403:
			return isRateLimited(apiErr)
		}
		return false
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return rErr.Response != nil && rErr.Response.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}

// classify maps a raw client error onto the package sentinels. notFound is
// what a 404 means for this call.
func classify(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrTransient) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 404 && notFound != nil:
			return fmt.Errorf("%s: %w: %w", op, notFound, err)
		case apiErr.Code == 401, apiErr.Code == 404:
			return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
		case apiErr.Code == 403 && !isRateLimited(apiErr):
			return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
		}
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && !isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
	}

	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
