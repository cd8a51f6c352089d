// Package auth provides authentication strategies for SQL Server
// connections: SQL authentication and federated authentication with
// bearer tokens, either caller-supplied or acquired from a service
// principal with background refresh.
package auth

import (
	"context"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// DefaultRefreshMargin is how long before expiry a refreshable token is
// renewed.
const DefaultRefreshMargin = 5 * time.Minute

// AccessToken is a bearer token with its lifetime.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
	Audience  string

	// Refreshable distinguishes programmatically acquired tokens from
	// manually supplied ones, which are never renewed.
	Refreshable bool
}

// Expired reports whether the token is past its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// RemainingLifetime returns the time until expiry.
func (t *AccessToken) RemainingLifetime(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// Strategy is the authentication contract consumed by connections and
// the pool. It extends tds.AuthStrategy with token inspection for
// acquisition-time expiry checks.
type Strategy interface {
	tds.AuthStrategy

	// Token returns the strategy's access token, fetching or refreshing
	// it as needed. SQL authentication returns nil.
	Token(ctx context.Context) (*AccessToken, error)

	// RefreshMargin is the remaining lifetime below which a refreshable
	// token is renewed.
	RefreshMargin() time.Duration
}

// SQLAuth authenticates with a user name and password in the LOGIN7
// record.
type SQLAuth struct {
	User     string
	Password string
}

// ApplyToLogin7 sets the credential fields.
func (s *SQLAuth) ApplyToLogin7(l *tds.Login7Request) {
	l.UserName = s.User
	l.Password = s.Password
}

// NeedsFedAuth reports false; SQL auth completes inside LOGIN7.
func (s *SQLAuth) NeedsFedAuth() bool { return false }

// FetchToken is never called for SQL auth.
func (s *SQLAuth) FetchToken(ctx context.Context) (string, error) {
	return "", errors.New(errors.ErrCodeAuthFedAuthNegotiation,
		"server requested a federated auth token for a SQL-auth login")
}

// Token returns nil; there is no bearer token.
func (s *SQLAuth) Token(ctx context.Context) (*AccessToken, error) {
	return nil, nil
}

// RefreshMargin is zero for SQL auth.
func (s *SQLAuth) RefreshMargin() time.Duration { return 0 }

// ManualToken authenticates with a caller-supplied bearer token. The
// token is never refreshed; once expired, connection acquisition fails.
type ManualToken struct {
	AccessToken AccessToken
}

// NewManualToken wraps a caller-supplied token.
func NewManualToken(token string, expiresAt time.Time) *ManualToken {
	return &ManualToken{AccessToken: AccessToken{
		Token:     token,
		ExpiresAt: expiresAt,
	}}
}

// ApplyToLogin7 leaves the credential fields empty; the token travels
// in the FEDAUTH message.
func (m *ManualToken) ApplyToLogin7(l *tds.Login7Request) {
	l.FedAuth = true
}

// NeedsFedAuth reports true.
func (m *ManualToken) NeedsFedAuth() bool { return true }

// FetchToken returns the supplied token, or an error once expired.
func (m *ManualToken) FetchToken(ctx context.Context) (string, error) {
	tok, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// Token returns the supplied token, or an error once expired.
func (m *ManualToken) Token(ctx context.Context) (*AccessToken, error) {
	if m.AccessToken.Expired(time.Now()) {
		return nil, errors.Newf(errors.ErrCodeAuthTokenExpired,
			"token expired at %s", m.AccessToken.ExpiresAt.UTC().Format(time.RFC3339)).
			WithSuggestion("supply a fresh access_token; manual tokens are not auto-refreshed")
	}
	return &m.AccessToken, nil
}

// RefreshMargin is zero; manual tokens never refresh.
func (m *ManualToken) RefreshMargin() time.Duration { return 0 }
