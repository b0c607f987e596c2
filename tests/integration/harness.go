package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/api"
	"github.com/sirosfoundation/go-vc-request-backend/internal/backend"
	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
	"github.com/sirosfoundation/go-vc-request-backend/internal/token"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
	"github.com/sirosfoundation/go-vc-request-backend/internal/websocket"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/middleware"
)

const (
	TestTenant   = "tenant-1"
	TestClientID = "client-1"
	TestSecret   = "client-secret"
	TestAPIKey   = "callback-secret"
)

// TestHarness runs the complete backend against a fake token authority and
// a fake Request Service.
type TestHarness struct {
	T        *testing.T
	Server   *httptest.Server
	Config   *config.Config
	Router   *gin.Engine
	Store    callback.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Logger   *zap.Logger

	Authority      *FakeAuthority
	RequestService *FakeRequestService

	// Client is a pre-configured HTTP client for making requests
	Client *http.Client

	// BaseURL is the URL of the test server
	BaseURL string

	redis *miniredis.Miniredis
}

// TestHarnessOption configures the test harness
type TestHarnessOption func(*TestHarness)

// WithConfig adjusts the default configuration
func WithConfig(mutate func(*config.Config)) TestHarnessOption {
	return func(h *TestHarness) {
		mutate(h.Config)
	}
}

// WithRedis backs the state store with an in-process Redis server
func WithRedis() TestHarnessOption {
	return func(h *TestHarness) {
		h.redis = miniredis.RunT(h.T)
		h.Config.Store.Type = "redis"
		h.Config.Store.Redis.URL = "redis://" + h.redis.Addr() + "/0"
	}
}

// NewTestHarness creates a new test harness with a running test server
func NewTestHarness(t *testing.T, opts ...TestHarnessOption) *TestHarness {
	t.Helper()

	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()

	h := &TestHarness{
		T:              t,
		Logger:         logger,
		Client:         &http.Client{Timeout: 10 * time.Second},
		Authority:      NewFakeAuthority(t),
		RequestService: NewFakeRequestService(t),
	}

	cfg := config.Default()
	cfg.Server.APIKey = TestAPIKey
	cfg.VerifiedID.Endpoint = h.RequestService.URL() + "/v1.0/"
	cfg.VerifiedID.Instance = h.Authority.URL() + "/{0}"
	cfg.VerifiedID.TenantID = TestTenant
	cfg.VerifiedID.ClientID = TestClientID
	cfg.VerifiedID.ClientSecret = TestSecret
	cfg.VerifiedID.DIDAuthority = "did:web:vc.example.com"
	cfg.VerifiedID.ClientName = "Contoso"
	cfg.Issuance.CredentialType = "VerifiedEmployee"
	cfg.Issuance.ManifestURL = h.RequestService.URL() + "/v1.0/tenants/t/verifiableCredentials/contracts/c/manifest"
	cfg.Presentation.CredentialType = "VerifiedEmployee"
	cfg.Presentation.AcceptedIssuers = []string{"did:web:vc.example.com"}
	cfg.Presentation.IncludeReceipt = true
	h.Config = cfg

	// Apply options
	for _, opt := range opts {
		opt(h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := backend.New(ctx, h.Config, logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	h.Store = store

	h.Registry = prometheus.NewRegistry()
	h.Metrics = metrics.New(h.Registry)

	tokens := token.NewProvider(&h.Config.VerifiedID, logger, token.WithMetrics(h.Metrics))
	client := vcclient.New(h.Config.VerifiedID.Endpoint, 5*time.Second, logger, vcclient.WithMetrics(h.Metrics))

	services := service.NewServices(h.Config, store, tokens, client, h.Metrics, logger)
	services.Start()

	streams := websocket.NewManager(services.Poller, h.Config.Server.AllowedOrigins, logger,
		websocket.WithPollInterval(20*time.Millisecond))
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(h.Config.RateLimit), logger)

	handlers := api.NewHandlers(services, streams, store, h.Config, logger)
	h.Router = api.NewRouter(h.Config, handlers, limiter,
		promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}), logger)

	// Create test server
	h.Server = httptest.NewServer(h.Router)
	h.BaseURL = h.Server.URL

	// Register cleanup
	t.Cleanup(func() {
		streams.Close()
		h.Server.Close()
		limiter.Stop()
		services.Stop()
		_ = store.Close()
	})

	return h
}

// WebSocketURL returns the status stream URL for id
func (h *TestHarness) WebSocketURL(kind, id string) string {
	return "ws" + strings.TrimPrefix(h.BaseURL, "http") + "/api/status/ws?kind=" + kind + "&id=" + id
}

// Request makes an HTTP request to the test server
func (h *TestHarness) Request(method, path string, body []byte, header http.Header) *Response {
	h.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, bodyReader)
	if err != nil {
		h.T.Fatalf("Failed to create request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	return h.Do(req)
}

// Do executes an HTTP request and returns a Response wrapper
func (h *TestHarness) Do(req *http.Request) *Response {
	h.T.Helper()

	resp, err := h.Client.Do(req)
	if err != nil {
		h.T.Fatalf("Request failed: %v", err)
	}

	return &Response{
		T:        h.T,
		Response: resp,
	}
}

// GET makes a GET request
func (h *TestHarness) GET(path string) *Response {
	return h.Request(http.MethodGet, path, nil, nil)
}

// Callback delivers body to the callback registered for state, the way the
// Request Service does: to the URL it was given, echoing the given headers.
func (h *TestHarness) Callback(state string, body interface{}) *Response {
	h.T.Helper()

	cb, ok := h.RequestService.Callback(state)
	if !ok {
		h.T.Fatalf("No request was created for state %s", state)
	}

	data, err := json.Marshal(body)
	if err != nil {
		h.T.Fatalf("Failed to marshal callback: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, cb.URL, bytes.NewReader(data))
	if err != nil {
		h.T.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cb.Headers {
		req.Header.Set(k, v)
	}
	return h.Do(req)
}

// FakeAuthority is a token endpoint issuing one-hour tokens
type FakeAuthority struct {
	server *httptest.Server
	calls  atomic.Int32
	fail   atomic.Bool
}

// NewFakeAuthority starts a fake token authority
func NewFakeAuthority(t *testing.T) *FakeAuthority {
	a := &FakeAuthority{}
	a.server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.server.Close)
	return a
}

// URL returns the authority base URL
func (a *FakeAuthority) URL() string { return a.server.URL }

// Calls returns how many tokens were requested
func (a *FakeAuthority) Calls() int { return int(a.calls.Load()) }

// Fail makes every following token request fail with invalid_client
func (a *FakeAuthority) Fail() { a.fail.Store(true) }

func (a *FakeAuthority) serve(w http.ResponseWriter, r *http.Request) {
	a.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path != "/"+TestTenant+"/oauth2/v2.0/token" || r.ParseForm() != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if a.fail.Load() || r.PostForm.Get("client_secret") != TestSecret {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`))
		return
	}
	_, _ = fmt.Fprintf(w, `{"access_token":"access-token-%d","token_type":"Bearer","expires_in":3600}`, a.calls.Load())
}

// CallbackDescriptor is the callback block of a received request
type CallbackDescriptor struct {
	URL     string            `json:"url"`
	State   string            `json:"state"`
	Headers map[string]string `json:"headers"`
}

// FakeRequestService records create requests and answers them like the
// Verified ID Request Service.
type FakeRequestService struct {
	server *httptest.Server

	mu        sync.Mutex
	requests  []map[string]interface{}
	callbacks map[string]CallbackDescriptor
	bearers   []string
	failNext  bool
}

// NewFakeRequestService starts a fake Request Service
func NewFakeRequestService(t *testing.T) *FakeRequestService {
	s := &FakeRequestService{callbacks: make(map[string]CallbackDescriptor)}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the service base URL
func (s *FakeRequestService) URL() string { return s.server.URL }

// FailNext makes the next create request fail with a 400
func (s *FakeRequestService) FailNext() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

// Callback returns the callback descriptor received for state
func (s *FakeRequestService) Callback(state string) (CallbackDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[state]
	return cb, ok
}

// LastRequest returns the last create request body
func (s *FakeRequestService) LastRequest() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// Bearers returns the bearer tokens presented so far
func (s *FakeRequestService) Bearers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers...)
}

func (s *FakeRequestService) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/manifest") {
		_, _ = w.Write([]byte(`{"token":"eyJhbGciOiJSUzI1NiJ9.eyJkaXNwbGF5Ijp7ImNhcmQiOnsidGl0bGUiOiJWZXJpZmllZCBFbXBsb3llZSJ9fX0.c2ln"}`))
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"badRequest","message":"The request body is not valid JSON."}}`))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bearers = append(s.bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if s.failNext {
		s.failNext = false
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"badRequest","message":"The request is invalid.","innererror":{"code":"badOrMissingField","message":"manifest is invalid"}}}`))
		return
	}

	s.requests = append(s.requests, body)
	var cb struct {
		Callback CallbackDescriptor `json:"callback"`
	}
	raw, _ := json.Marshal(body)
	_ = json.Unmarshal(raw, &cb)
	s.callbacks[cb.Callback.State] = cb.Callback

	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"requestId":"req-%d","url":"openid-vc://?request_uri=%s/request/%d","expiry":%d}`,
		len(s.requests), s.server.URL, len(s.requests), time.Now().Add(5*time.Minute).Unix())
}

// Response wraps an HTTP response with assertion helpers
type Response struct {
	T        *testing.T
	Response *http.Response
	body     []byte
	bodyRead bool
}

// Body returns the response body as bytes
func (r *Response) Body() []byte {
	r.T.Helper()
	if !r.bodyRead {
		var err error
		r.body, err = io.ReadAll(r.Response.Body)
		if err != nil {
			r.T.Fatalf("Failed to read response body: %v", err)
		}
		r.Response.Body.Close()
		r.bodyRead = true
	}
	return r.body
}

// JSON unmarshals the response body into the given target
func (r *Response) JSON(target interface{}) *Response {
	r.T.Helper()
	if err := json.Unmarshal(r.Body(), target); err != nil {
		r.T.Fatalf("Failed to unmarshal response: %v\nBody: %s", err, string(r.Body()))
	}
	return r
}

// Map unmarshals the response body into a generic map
func (r *Response) Map() map[string]interface{} {
	r.T.Helper()
	var m map[string]interface{}
	r.JSON(&m)
	return m
}

// Status asserts the response status code
func (r *Response) Status(expected int) *Response {
	r.T.Helper()
	if r.Response.StatusCode != expected {
		r.T.Errorf("Expected status %d, got %d\nBody: %s", expected, r.Response.StatusCode, string(r.Body()))
	}
	return r
}

// Header returns the value of a response header
func (r *Response) Header(name string) string {
	return r.Response.Header.Get(name)
}

// BodyContains asserts the response body contains a substring
func (r *Response) BodyContains(substr string) *Response {
	r.T.Helper()
	if !bytes.Contains(r.Body(), []byte(substr)) {
		r.T.Errorf("Expected body to contain %q\nBody: %s", substr, string(r.Body()))
	}
	return r
}
