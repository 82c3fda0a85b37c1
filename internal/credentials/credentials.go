// Package credentials supplies per-mailbox Google API client options.
package credentials

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Scopes needed by the watcher (history, messages.get, watch) and the
// responder (messages.send).
var Scopes = []string{
	gmail.GmailModifyScope,
	gmail.GmailSendScope,
}

// Provider returns the client options that authenticate as a mailbox user.
type Provider interface {
	ClientOptions(ctx context.Context, userEmail string) ([]option.ClientOption, error)
}

// ServiceAccountProvider impersonates each user through domain-wide
// delegation of a single service account key.
type ServiceAccountProvider struct {
	base *jwt.Config
}

// NewServiceAccountProvider parses a service account JSON key.
func NewServiceAccountProvider(keyJSON []byte, scopes ...string) (*ServiceAccountProvider, error) {
	if len(scopes) == 0 {
		scopes = Scopes
	}
	conf, err := google.JWTConfigFromJSON(keyJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &ServiceAccountProvider{base: conf}, nil
}

// Email returns the service account's client email.
func (p *ServiceAccountProvider) Email() string { return p.base.Email }

// TokenSource returns a token source that acts as userEmail.
func (p *ServiceAccountProvider) TokenSource(ctx context.Context, userEmail string) oauth2.TokenSource {
	conf := *p.base
	conf.Subject = userEmail
	return conf.TokenSource(ctx)
}

func (p *ServiceAccountProvider) ClientOptions(ctx context.Context, userEmail string) ([]option.ClientOption, error) {
	if userEmail == "" {
		return nil, fmt.Errorf("user email is required for delegation")
	}
	return []option.ClientOption{option.WithTokenSource(p.TokenSource(ctx, userEmail))}, nil
}

// Static hands every user the same options. Tests point it at a fake server.
type Static []option.ClientOption

func (s Static) ClientOptions(context.Context, string) ([]option.ClientOption, error) {
	return s, nil
}
