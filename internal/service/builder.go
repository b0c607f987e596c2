package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/embed"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

const (
	issuanceCallbackPath     = "/api/issuer/issuecallback"
	presentationCallbackPath = "/api/verifier/presentationcallback"
	selfieUploadPath         = "/api/issuer/selfie/"
	selfiePagePath           = "/selfie.html"

	maxStateAttempts = 3
)

// ClientInfo describes the browser that asked for a request
type ClientInfo struct {
	// BaseURL is the externally visible URL of this service as seen by the
	// client. Used when server.base_url is not configured.
	BaseURL   string
	UserAgent string
}

// IssuanceOptions are the per-call parts of an issuance request
type IssuanceOptions struct {
	Claims map[string]string
	// PhotoID references a completed selfie whose photo becomes a claim
	PhotoID string
}

// PresentationOptions are the per-call parts of a presentation request
type PresentationOptions struct {
	FaceCheck           bool
	PhotoClaimName      string
	ConfidenceThreshold int
	Constraints         []domain.ClaimConstraint
}

// IssuanceResult is a created issuance request
type IssuanceResult struct {
	State  string
	Pin    string
	Create *vcclient.CreateResult
}

// PresentationResult is a created presentation request
type PresentationResult struct {
	State  string
	Create *vcclient.CreateResult
}

// SelfieResult is a created selfie request
type SelfieResult struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Expiry int64  `json:"expiry"`
}

// RequestBuilder composes request documents, registers their correlation
// state and submits them to the Request Service.
type RequestBuilder struct {
	cfg     *config.Config
	store   callback.Store
	tokens  TokenSource
	client  RequestServiceClient
	images  *embed.ImageEmbedder
	apiKey  string
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	newState func() string
	now      func() time.Time
}

// NewRequestBuilder creates a new RequestBuilder
func NewRequestBuilder(cfg *config.Config, store callback.Store, tokens TokenSource, client RequestServiceClient, m *metrics.Metrics, logger *zap.Logger) *RequestBuilder {
	return &RequestBuilder{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		client:   client,
		images:   embed.NewImageEmbedder(cfg.Issuance.ManifestImages, logger),
		apiKey:   cfg.Server.APIKey,
		ttl:      time.Duration(cfg.Callbacks.TTLSeconds) * time.Second,
		metrics:  m,
		logger:   logger.Named("request-builder"),
		newState: uuid.NewString,
		now:      time.Now,
	}
}

// GeneratePin returns a zero-padded decimal PIN of exactly length digits,
// drawn uniformly from [1, 10^length-1].
func GeneratePin(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("%w: pin length must be positive", ErrInvalidArgument)
	}
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	upper.Sub(upper, big.NewInt(1))

	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin: %w", err)
	}
	n.Add(n, big.NewInt(1))

	digits := n.String()
	return strings.Repeat("0", length-len(digits)) + digits, nil
}

// IsMobile reports whether the user agent is a mobile browser. PINs are only
// shown to desktop users, where the wallet runs on another device.
func IsMobile(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return useragent.New(userAgent).Mobile()
}

func (b *RequestBuilder) baseURL(client ClientInfo) string {
	base := b.cfg.Server.BaseURL
	if base == "" {
		base = client.BaseURL
	}
	return strings.TrimSuffix(base, "/")
}

func (b *RequestBuilder) callbackDescriptor(client ClientInfo, path, state string) domain.CallbackDescriptor {
	return domain.CallbackDescriptor{
		URL:     b.baseURL(client) + path,
		State:   state,
		Headers: map[string]string{domain.APIKeyHeader: b.apiKey},
	}
}

// register draws a fresh state and stores it as request_created
func (b *RequestBuilder) register(ctx context.Context, kind domain.RequestKind) (*callback.Record, error) {
	for i := 0; i < maxStateAttempts; i++ {
		state := b.newState()

		_, err := b.store.Get(ctx, state)
		if err == nil {
			b.logger.Warn("Generated state already in use, drawing another")
			continue
		}
		if !errors.Is(err, callback.ErrNotFound) {
			return nil, fmt.Errorf("failed to check state: %w", err)
		}

		rec := &callback.Record{State: state, Kind: kind, Status: domain.StatusRequestCreated}
		if err := b.store.Put(ctx, rec, b.ttl); err != nil {
			return nil, fmt.Errorf("failed to register state: %w", err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("failed to draw an unused state")
}

// BuildIssuanceRequest composes an issuance request and registers its state.
// The returned PIN is empty when no PIN is required.
func (b *RequestBuilder) BuildIssuanceRequest(ctx context.Context, client ClientInfo, opts IssuanceOptions) (*domain.IssuanceRequest, error) {
	claims := make(map[string]string, len(b.cfg.Issuance.Claims)+len(opts.Claims)+1)
	for k, v := range b.cfg.Issuance.Claims {
		claims[k] = v
	}
	for k, v := range opts.Claims {
		claims[k] = v
	}

	if opts.PhotoID != "" {
		photo, err := b.readSelfie(ctx, opts.PhotoID)
		if err != nil {
			return nil, err
		}
		claims[b.cfg.Issuance.PhotoClaimName] = photo
	}

	rec, err := b.register(ctx, domain.KindIssuance)
	if err != nil {
		return nil, err
	}

	req := &domain.IssuanceRequest{
		Callback:  b.callbackDescriptor(client, issuanceCallbackPath, rec.State),
		Authority: b.cfg.VerifiedID.DIDAuthority,
		Registration: domain.Registration{
			ClientName: b.cfg.VerifiedID.ClientName,
		},
		Type:     b.cfg.Issuance.CredentialType,
		Manifest: b.cfg.Issuance.ManifestURL,
	}
	if len(claims) > 0 {
		req.Claims = claims
	}

	if days := b.cfg.Issuance.ExpirationDays; days > 0 {
		req.ExpirationDate = b.now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
	}

	if length := b.cfg.Issuance.PinCodeLength; length > 0 && !IsMobile(client.UserAgent) {
		pin, err := GeneratePin(length)
		if err != nil {
			_ = b.store.Remove(ctx, rec.State)
			return nil, err
		}
		req.Pin = &domain.Pin{Value: pin, Length: length}
	}

	return req, nil
}

// readSelfie returns the base64 image data of a completed selfie. The
// selfie is left in place; CreateIssuanceRequest removes it once the
// issuance request has been accepted.
func (b *RequestBuilder) readSelfie(ctx context.Context, id string) (string, error) {
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown photo_id", ErrInvalidState)
		}
		return "", err
	}
	if rec.Kind != domain.KindSelfie || rec.Status != domain.StatusSelfieTaken {
		return "", fmt.Errorf("%w: photo_id does not reference a completed selfie", ErrInvalidState)
	}

	var payload selfiePayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: corrupt selfie record", ErrInvalidState)
	}

	photo, err := decodePhoto(payload.Photo)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return base64.StdEncoding.EncodeToString(photo.Data), nil
}

// BuildPresentationRequest composes a presentation request and registers its state
func (b *RequestBuilder) BuildPresentationRequest(ctx context.Context, client ClientInfo, opts PresentationOptions) (*domain.PresentationRequest, error) {
	pc := b.cfg.Presentation

	faceCheck := pc.FaceCheck.Enabled || opts.FaceCheck
	photoClaim := opts.PhotoClaimName
	if photoClaim == "" {
		photoClaim = pc.FaceCheck.PhotoClaimName
	}
	threshold := opts.ConfidenceThreshold
	if threshold == 0 {
		threshold = pc.FaceCheck.ConfidenceThreshold
	}
	if faceCheck {
		if photoClaim == "" {
			return nil, fmt.Errorf("%w: photoClaimName is required for face check", ErrMissingArgument)
		}
		if threshold < 50 || threshold > 100 {
			return nil, fmt.Errorf("%w: confidenceThreshold must be between 50 and 100", ErrInvalidArgument)
		}
	}

	for _, c := range opts.Constraints {
		if err := validateConstraint(c); err != nil {
			return nil, err
		}
	}

	rec, err := b.register(ctx, domain.KindPresentation)
	if err != nil {
		return nil, err
	}

	req := &domain.PresentationRequest{
		IncludeReceipt: pc.IncludeReceipt,
		Authority:      b.cfg.VerifiedID.DIDAuthority,
		Registration: domain.Registration{
			ClientName: b.cfg.VerifiedID.ClientName,
			Purpose:    pc.Purpose,
		},
		Callback: b.callbackDescriptor(client, presentationCallbackPath, rec.State),
		RequestedCredentials: []domain.RequestedCredential{
			{
				Type:            pc.CredentialType,
				Purpose:         pc.Purpose,
				AcceptedIssuers: pc.AcceptedIssuers,
				Configuration: domain.CredentialConfig{
					Validation: domain.Validation{
						AllowRevoked:         pc.AllowRevoked,
						ValidateLinkedDomain: pc.ValidateLinkedDomain,
					},
				},
			},
		},
	}

	for _, c := range pc.Constraints {
		req.AddClaimConstraint(domain.ClaimConstraint{
			ClaimName:  c.ClaimName,
			Values:     c.Values,
			Contains:   c.Contains,
			StartsWith: c.StartsWith,
		})
	}
	for _, c := range opts.Constraints {
		req.AddClaimConstraint(c)
	}

	if faceCheck {
		req.SetFaceCheck(photoClaim, threshold)
	}

	return req, nil
}

func validateConstraint(c domain.ClaimConstraint) error {
	if c.ClaimName == "" {
		return fmt.Errorf("%w: constraint claim name is required", ErrMissingArgument)
	}
	n := 0
	if len(c.Values) > 0 {
		n++
	}
	if c.Contains != "" {
		n++
	}
	if c.StartsWith != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: constraint on %q must set exactly one of values, contains or startsWith", ErrInvalidArgument, c.ClaimName)
	}
	return nil
}

// BuildSelfieRequest registers a selfie state and returns the page the
// phone should open to take the photo.
func (b *RequestBuilder) BuildSelfieRequest(ctx context.Context, client ClientInfo) (*SelfieResult, error) {
	rec, err := b.register(ctx, domain.KindSelfie)
	if err != nil {
		b.metrics.RequestCreated(string(domain.KindSelfie), "error")
		return nil, err
	}
	b.metrics.RequestCreated(string(domain.KindSelfie), "success")

	base := b.baseURL(client)
	return &SelfieResult{
		ID:     rec.State,
		URL:    base + selfiePagePath + "?callbackUrl=" + url.QueryEscape(base+selfieUploadPath+rec.State),
		Expiry: rec.ExpiresAt.Unix(),
	}, nil
}

// CreateIssuanceRequest builds an issuance request, acquires a token and
// submits it. On failure the registered state is discarded.
func (b *RequestBuilder) CreateIssuanceRequest(ctx context.Context, client ClientInfo, opts IssuanceOptions) (*IssuanceResult, error) {
	req, err := b.BuildIssuanceRequest(ctx, client, opts)
	if err != nil {
		b.metrics.RequestCreated(string(domain.KindIssuance), "error")
		return nil, err
	}
	state := req.Callback.State

	res, err := b.submit(ctx, state, func(bearer string) (*vcclient.CreateResult, error) {
		return b.client.CreateIssuanceRequest(ctx, req, bearer)
	})
	if err != nil {
		b.metrics.RequestCreated(string(domain.KindIssuance), "error")
		return nil, err
	}
	b.metrics.RequestCreated(string(domain.KindIssuance), "success")

	if opts.PhotoID != "" {
		if err := b.store.Remove(ctx, opts.PhotoID); err != nil {
			b.logger.Warn("Failed to remove used selfie",
				zap.String("state", opts.PhotoID),
				zap.Error(err),
			)
		}
	}

	b.logger.Info("Issuance request created",
		zap.String("state", state),
		zap.String("request_id", res.RequestID),
		zap.Bool("pin", req.Pin != nil),
	)

	out := &IssuanceResult{State: state, Create: res}
	if req.Pin != nil {
		out.Pin = req.Pin.Value
	}
	return out, nil
}

// CreatePresentationRequest builds a presentation request, acquires a token
// and submits it. On failure the registered state is discarded.
func (b *RequestBuilder) CreatePresentationRequest(ctx context.Context, client ClientInfo, opts PresentationOptions) (*PresentationResult, error) {
	req, err := b.BuildPresentationRequest(ctx, client, opts)
	if err != nil {
		b.metrics.RequestCreated(string(domain.KindPresentation), "error")
		return nil, err
	}
	state := req.Callback.State

	res, err := b.submit(ctx, state, func(bearer string) (*vcclient.CreateResult, error) {
		return b.client.CreatePresentationRequest(ctx, req, bearer)
	})
	if err != nil {
		b.metrics.RequestCreated(string(domain.KindPresentation), "error")
		return nil, err
	}
	b.metrics.RequestCreated(string(domain.KindPresentation), "success")

	b.logger.Info("Presentation request created",
		zap.String("state", state),
		zap.String("request_id", res.RequestID),
	)

	return &PresentationResult{State: state, Create: res}, nil
}

func (b *RequestBuilder) submit(ctx context.Context, state string, post func(bearer string) (*vcclient.CreateResult, error)) (*vcclient.CreateResult, error) {
	tok, err := b.tokens.GetAccessToken(ctx)
	if err != nil {
		_ = b.store.Remove(ctx, state)
		return nil, err
	}

	res, err := post(tok.Value)
	if err != nil {
		_ = b.store.Remove(ctx, state)
		return nil, err
	}
	return res, nil
}

// Manifest fetches and decodes the configured credential manifest
func (b *RequestBuilder) Manifest(ctx context.Context) (json.RawMessage, error) {
	if b.cfg.Issuance.ManifestURL == "" {
		return nil, fmt.Errorf("%w: no manifest configured", ErrMissingArgument)
	}
	manifest, err := b.client.FetchManifest(ctx, b.cfg.Issuance.ManifestURL)
	if err != nil {
		return nil, err
	}

	embedded, err := b.images.EmbedImages(ctx, manifest)
	if err != nil {
		b.logger.Warn("Failed to embed manifest images", zap.Error(err))
		return manifest, nil
	}
	return embedded, nil
}

// Body returns the upstream response with the correlation id and PIN added,
// as returned to the browser.
func (r *IssuanceResult) Body() (map[string]interface{}, error) {
	body, err := responseBody(r.Create, r.State)
	if err != nil {
		return nil, err
	}
	if r.Pin != "" {
		body["pin"] = r.Pin
	}
	return body, nil
}

// Body returns the upstream response with the correlation id added
func (r *PresentationResult) Body() (map[string]interface{}, error) {
	return responseBody(r.Create, r.State)
}

func responseBody(res *vcclient.CreateResult, state string) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if err := json.Unmarshal(res.Raw, &body); err != nil {
		return nil, fmt.Errorf("invalid request service response: %w", err)
	}
	body["id"] = state
	return body, nil
}
