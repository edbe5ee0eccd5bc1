// Package github obtains bearer tokens for reading repositories on GitHub.
//
// AppTokenProvider authenticates as a GitHub App: it signs a short-lived
// RS256 JWT with the app's private key and exchanges it for an installation
// access token. StaticTokenProvider and AnonymousProvider cover personal
// tokens and public or local repositories.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const (
	jwtBackdate = 60 * time.Second // Tolerate clock drift against GitHub
	jwtLifetime = 10 * time.Minute // GitHub's maximum
	renewBefore = time.Minute      // Refresh cached tokens this long before expiry
)

// AppTokenProvider exchanges GitHub App credentials for installation tokens.
// Tokens are cached and reused until shortly before they expire.
type AppTokenProvider struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	apiURL         string
	client         *http.Client
	now            func() time.Time

	mu     sync.Mutex
	cached ingest.BearerToken
}

// Option configures an AppTokenProvider.
type Option func(*AppTokenProvider)

// WithAPIURL points the provider at a GitHub Enterprise or test server.
func WithAPIURL(url string) Option {
	return func(p *AppTokenProvider) {
		if url != "" {
			p.apiURL = strings.TrimSuffix(url, "/")
		}
	}
}

// NewAppTokenProvider parses the PEM-encoded RSA private key and returns a
// provider for the given app installation.
func NewAppTokenProvider(appID, installationID string, privateKeyPEM []byte, opts ...Option) (*AppTokenProvider, error) {
	if appID == "" || installationID == "" {
		return nil, fmt.Errorf("github app: app id and installation id are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github app: parse private key: %w", err)
	}

	p := &AppTokenProvider{
		appID:          appID,
		installationID: installationID,
		key:            key,
		apiURL:         DefaultAPIURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Token returns a valid installation token, exchanging a new one when the
// cached token is missing or about to expire. Failures are *ingest.AuthError.
func (p *AppTokenProvider) Token(ctx context.Context) (ingest.BearerToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cached.Expired(p.now(), renewBefore) {
		return p.cached, nil
	}

	token, err := p.exchange(ctx)
	if err != nil {
		return ingest.BearerToken{}, &ingest.AuthError{Err: err}
	}
	p.cached = token

	logging.FromContext(ctx).Debug("github installation token issued",
		"installation_id", p.installationID,
		"expires_at", token.ExpiresAt,
	)
	return token, nil
}

// AppJWT signs the app authentication JWT for the current time.
func (p *AppTokenProvider) AppJWT() (string, error) {
	iat := p.now().Add(-jwtBackdate)
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(jwtLifetime)),
		Issuer:    p.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type apiError struct {
	Message string `json:"message"`
}

func (p *AppTokenProvider) exchange(ctx context.Context) (ingest.BearerToken, error) {
	signed, err := p.AppJWT()
	if err != nil {
		return ingest.BearerToken{}, fmt.Errorf("sign app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", p.apiURL, p.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return ingest.BearerToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := p.client.Do(req)
	if err != nil {
		return ingest.BearerToken{}, fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ingest.BearerToken{}, fmt.Errorf("read installation token response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return ingest.BearerToken{}, fmt.Errorf("installation token: %s: %s", resp.Status, apiErr.Message)
	}

	var out accessTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return ingest.BearerToken{}, fmt.Errorf("decode installation token: %w", err)
	}
	if out.Token == "" {
		return ingest.BearerToken{}, fmt.Errorf("installation token: empty token in response")
	}
	return ingest.BearerToken{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil
}

// StaticTokenProvider hands out a fixed token, e.g. GITHUB_TOKEN in CI.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider returns a provider for token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (ingest.BearerToken, error) {
	if p.token == "" {
		return ingest.BearerToken{}, &ingest.AuthError{Err: fmt.Errorf("static token is empty")}
	}
	return ingest.BearerToken{Value: p.token}, nil
}

// AnonymousProvider returns an empty token; sources treat it as no auth.
type AnonymousProvider struct{}

func (AnonymousProvider) Token(ctx context.Context) (ingest.BearerToken, error) {
	return ingest.BearerToken{}, nil
}
