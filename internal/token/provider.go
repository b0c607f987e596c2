// Package token acquires and caches client-credentials access tokens for the
// Verified ID Request Service.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

const (
	// DefaultScope is the Verified ID Request Service resource scope
	DefaultScope = "3db474b9-6a0c-4840-96ac-1fceb342124f/.default"

	// DefaultInstance is the Microsoft Entra authority template
	DefaultInstance = "https://login.microsoftonline.com/{0}"

	defaultSkew = 60 * time.Second

	// acquireTimeout bounds a shared fetch once it no longer follows a caller's ctx
	acquireTimeout = 30 * time.Second
)

// Token is a bearer token and its absolute expiry
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// source fetches a fresh token from the authority.
// *clientcredentials.Config satisfies it.
type source interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

type cachedToken struct {
	token     Token
	refreshAt time.Time
}

// Provider hands out access tokens, reusing a cached token until it is close
// to expiry. Concurrent misses for the same key share one network call.
type Provider struct {
	source     source
	configErr  error
	cacheKey   string
	httpClient *http.Client
	skew       time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]*cachedToken
	group singleflight.Group
}

// Option configures a Provider
type Option func(*Provider)

// WithHTTPClient sets the client used to reach the authority
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithMetrics records token lookups
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// WithSkew sets how long before expiry a cached token is refreshed
func WithSkew(d time.Duration) Option {
	return func(p *Provider) {
		p.skew = d
	}
}

// NewProvider creates a provider for the configured credential. A credential
// misconfiguration is not fatal here; it is reported by every GetAccessToken
// call as ErrConfig.
func NewProvider(cfg *config.VerifiedIDConfig, logger *zap.Logger, opts ...Option) *Provider {
	p := &Provider{
		httpClient: http.DefaultClient,
		skew:       defaultSkew,
		now:        time.Now,
		logger:     logger.Named("token"),
		cache:      make(map[string]*cachedToken),
	}
	for _, opt := range opts {
		opt(p)
	}

	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}
	resolved := *cfg
	resolved.Scope = scope
	if resolved.Instance == "" {
		resolved.Instance = DefaultInstance
	}

	p.cacheKey = cacheKey(resolved.Authority(), resolved.ClientID, scope)
	p.source, p.configErr = newSource(&resolved, p.httpClient)
	if p.configErr != nil {
		p.logger.Warn("Token provider is misconfigured", zap.Error(p.configErr))
	}

	return p
}

func newSource(cfg *config.VerifiedIDConfig, httpClient *http.Client) (source, error) {
	switch n := cfg.CredentialTypes(); {
	case n == 0:
		return nil, fmt.Errorf("%w: no client credential configured", ErrConfig)
	case n > 1:
		return nil, fmt.Errorf("%w: exactly one of client_secret, certificate_path or managed_identity must be set", ErrConfig)
	}

	if cfg.ManagedIdentity {
		return newManagedIdentitySource(cfg, httpClient)
	}

	if cfg.ClientID == "" || cfg.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id and client_id are required", ErrConfig)
	}

	tokenURL := tokenEndpoint(cfg.Authority())

	if cfg.CertificatePath != "" {
		return newCertificateSource(cfg, tokenURL)
	}

	return &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{cfg.Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}, nil
}

func tokenEndpoint(authority string) string {
	return strings.TrimSuffix(authority, "/") + "/oauth2/v2.0/token"
}

func cacheKey(authority, clientID, scope string) string {
	sum := sha256.Sum256([]byte(authority + "\x00" + clientID + "\x00" + scope))
	return hex.EncodeToString(sum[:])
}

// GetAccessToken returns a valid bearer token, from cache when possible.
func (p *Provider) GetAccessToken(ctx context.Context) (*Token, error) {
	if p.configErr != nil {
		p.metrics.TokenAcquisition("error")
		return nil, p.configErr
	}

	if tok, ok := p.cached(); ok {
		p.metrics.TokenAcquisition("cache_hit")
		return tok, nil
	}

	// The shared fetch outlives any single caller; each caller waits on its own ctx
	ch := p.group.DoChan(p.cacheKey, func() (interface{}, error) {
		// Another caller may have refreshed while we waited
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), acquireTimeout)
		defer cancel()
		return p.acquire(fetchCtx)
	})

	select {
	case <-ctx.Done():
		p.metrics.TokenAcquisition("error")
		return nil, &AcquisitionError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			p.metrics.TokenAcquisition("error")
			return nil, res.Err
		}
		p.metrics.TokenAcquisition("acquired")
		tok := *res.Val.(*Token)
		return &tok, nil
	}
}

func (p *Provider) cached() (*Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[p.cacheKey]
	if !ok || !p.now().Before(entry.refreshAt) {
		return nil, false
	}
	tok := entry.token
	return &tok, true
}

func (p *Provider) acquire(ctx context.Context) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	raw, err := p.source.Token(ctx)
	if err != nil {
		mapped := mapError(err)
		p.logger.Warn("Failed to acquire access token", zap.Error(mapped))
		return nil, mapped
	}

	tok := &Token{Value: raw.AccessToken, ExpiresAt: raw.Expiry}

	if !raw.Expiry.IsZero() {
		now := p.now()
		skew := p.skew
		if half := raw.Expiry.Sub(now) / 2; skew > half {
			skew = half
		}
		p.mu.Lock()
		p.cache[p.cacheKey] = &cachedToken{token: *tok, refreshAt: raw.Expiry.Add(-skew)}
		p.mu.Unlock()
	}

	p.logger.Debug("Acquired access token", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Invalidate drops the cached token so the next call goes to the authority
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, p.cacheKey)
}

func mapError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_scope" || strings.Contains(rerr.ErrorDescription, "AADSTS70011") {
			return ErrUnsupportedScope
		}
		return &AcquisitionError{
			Code:        rerr.ErrorCode,
			Description: rerr.ErrorDescription,
			Err:         err,
		}
	}
	if errors.Is(err, ErrTokenAcquisition) {
		return err
	}
	return &AcquisitionError{Err: err}
}
