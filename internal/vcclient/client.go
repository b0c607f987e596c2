// Package vcclient talks to the Verified ID Request Service API.
package vcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/jwtpayload"
)

const (
	createIssuancePath     = "verifiableCredentials/createIssuanceRequest"
	createPresentationPath = "verifiableCredentials/createPresentationRequest"

	maxResponseSize = 4 << 20
)

var (
	// ErrUpstream is matched by every *UpstreamError
	ErrUpstream = errors.New("request service error")
)

// UpstreamError is a non-success response from the Request Service. Body is
// the response body verbatim.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("request service returned HTTP %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// CreateResult is a successful create*Request response
type CreateResult struct {
	domain.CreateResponse
	// Raw is the response body as returned by the service
	Raw json.RawMessage
}

// Client is a Request Service API client. It never retries.
type Client struct {
	httpClient *http.Client
	endpoint   string
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMetrics records call durations
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// New creates a client for the service rooted at endpoint
func New(endpoint string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		logger:     logger.Named("vcclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends body as JSON with a bearer token. Only HTTP 201 is success;
// any other status yields an *UpstreamError carrying the raw body.
func (c *Client) Post(ctx context.Context, url string, body []byte, bearer string) ([]byte, error) {
	return c.post(ctx, "post", url, body, bearer)
}

func (c *Client) post(ctx context.Context, operation, url string, body []byte, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	c.logger.Debug("Calling Request Service", zap.String("operation", operation), zap.String("url", url))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(operation, "error", start)
		return nil, fmt.Errorf("request service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.ObserveUpstream(operation, strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		c.logger.Warn("Request Service rejected request",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

// CreateIssuanceRequest posts an issuance request document
func (c *Client) CreateIssuanceRequest(ctx context.Context, req *domain.IssuanceRequest, bearer string) (*CreateResult, error) {
	return c.create(ctx, "createIssuanceRequest", createIssuancePath, req, bearer)
}

// CreatePresentationRequest posts a presentation request document
func (c *Client) CreatePresentationRequest(ctx context.Context, req *domain.PresentationRequest, bearer string) (*CreateResult, error) {
	return c.create(ctx, "createPresentationRequest", createPresentationPath, req, bearer)
}

func (c *Client) create(ctx context.Context, operation, path string, doc interface{}, bearer string) (*CreateResult, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	raw, err := c.post(ctx, operation, c.endpoint+path, body, bearer)
	if err != nil {
		return nil, err
	}

	result := &CreateResult{Raw: raw}
	if err := json.Unmarshal(raw, &result.CreateResponse); err != nil {
		return nil, fmt.Errorf("invalid %s response: %w", operation, err)
	}
	return result, nil
}

// FetchManifest downloads a credential manifest and returns its decoded
// JSON payload. The service answers either {"token": "<jwt>"} or the bare JWT.
func (c *Client) FetchManifest(ctx context.Context, url string) (json.RawMessage, error) {
	if url == "" {
		return nil, fmt.Errorf("manifest URL is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("getManifest", "error", start)
		return nil, fmt.Errorf("manifest fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.ObserveUpstream("getManifest", strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
	}

	jwt := strings.TrimSpace(string(body))
	var wrapped struct {
		Token string `json:"token"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Token != "" {
		jwt = wrapped.Token
	}

	payload, err := jwtpayload.Decode(jwt)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return payload, nil
}
