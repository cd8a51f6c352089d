package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// DefaultResource is the audience requested for SQL endpoints.
const DefaultResource = "https://database.windows.net/"

// Environment variable names for the service-principal strategy.
const (
	EnvTenantID     = "AZURE_TENANT_ID"
	EnvClientID     = "AZURE_CLIENT_ID"
	EnvClientSecret = "AZURE_CLIENT_SECRET"
)

// ServicePrincipal acquires bearer tokens with the OAuth2
// client-credentials grant and refreshes them in the background of
// connection acquisition when the remaining lifetime drops below the
// refresh margin.
type ServicePrincipal struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Resource     string

	// Margin overrides DefaultRefreshMargin when non-zero.
	Margin time.Duration

	// HTTPClient overrides http.DefaultClient, used by tests.
	HTTPClient *http.Client

	// TokenEndpoint overrides the login.microsoftonline.com URL, used
	// by tests.
	TokenEndpoint string

	mu      sync.Mutex
	current *AccessToken
	// refreshes counts token round trips, observable in tests.
	refreshes int
}

// ServicePrincipalFromEnv builds a strategy from the conventional
// environment variables.
func ServicePrincipalFromEnv() (*ServicePrincipal, error) {
	tenant := os.Getenv(EnvTenantID)
	client := os.Getenv(EnvClientID)
	secret := os.Getenv(EnvClientSecret)
	if tenant == "" || client == "" || secret == "" {
		return nil, errors.New(errors.ErrCodeAuthMissingCredentials,
			"service principal environment is incomplete").
			WithSuggestion(fmt.Sprintf("set %s, %s and %s", EnvTenantID, EnvClientID, EnvClientSecret))
	}
	return &ServicePrincipal{
		TenantID:     tenant,
		ClientID:     client,
		ClientSecret: secret,
	}, nil
}

// ApplyToLogin7 announces federated authentication.
func (s *ServicePrincipal) ApplyToLogin7(l *tds.Login7Request) {
	l.FedAuth = true
}

// NeedsFedAuth reports true.
func (s *ServicePrincipal) NeedsFedAuth() bool { return true }

// RefreshMargin returns the configured or default margin.
func (s *ServicePrincipal) RefreshMargin() time.Duration {
	if s.Margin > 0 {
		return s.Margin
	}
	return DefaultRefreshMargin
}

// FetchToken returns the raw bearer token for the FEDAUTH message.
func (s *ServicePrincipal) FetchToken(ctx context.Context) (string, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// Token returns the held token, refreshing it under the strategy mutex
// when the remaining lifetime is at or below the margin. Concurrent
// callers share one refresh.
func (s *ServicePrincipal) Token(ctx context.Context) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.current != nil && s.current.RemainingLifetime(now) > s.RefreshMargin() {
		return s.current, nil
	}

	tok, err := s.requestToken(ctx)
	if err != nil {
		// A still-valid token keeps working while the STS is down.
		if s.current != nil && !s.current.Expired(now) {
			return s.current, nil
		}
		return nil, err
	}
	s.current = tok
	s.refreshes++
	return tok, nil
}

// Refreshes returns the number of token round trips performed.
func (s *ServicePrincipal) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *ServicePrincipal) endpoint() string {
	if s.TokenEndpoint != "" {
		return s.TokenEndpoint
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", s.TenantID)
}

func (s *ServicePrincipal) resource() string {
	if s.Resource != "" {
		return s.Resource
	}
	return DefaultResource
}

// requestToken performs the client-credentials round trip.
func (s *ServicePrincipal) requestToken(ctx context.Context) (*AccessToken, error) {
	scope := strings.TrimSuffix(s.resource(), "/") + "/.default"

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.ClientID)
	form.Set("client_secret", s.ClientSecret)
	form.Set("scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthTokenFetch, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthTokenFetch,
			"requesting token from identity provider").
			WithSuggestion("check network access to the token endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		json.NewDecoder(resp.Body).Decode(&te)
		return nil, errors.Newf(errors.ErrCodeAuthTokenFetch,
			"token request failed with status %d: %s", resp.StatusCode, te.ErrorDescription).
			WithField("error", te.Error).
			WithSuggestion("verify the tenant id, client id and client secret")
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthTokenFetch, "decoding token response")
	}
	if tr.AccessToken == "" {
		return nil, errors.New(errors.ErrCodeAuthTokenFetch, "identity provider returned an empty token")
	}

	expiresIn, _ := tr.ExpiresIn.Int64()
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &AccessToken{
		Token:       tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
		Audience:    s.resource(),
		Refreshable: true,
	}, nil
}
