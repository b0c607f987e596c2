package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/token"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

const (
	testAPIKey  = "callback-secret"
	testBaseURL = "https://vc.example.com"

	// vp_token whose first credential has jti urn:pic:1
	testVPToken = "eyJhbGciOiJFUzI1NiIsInR5cCI6IkpXVCJ9.eyJ2cCI6eyJ2ZXJpZmlhYmxlQ3JlZGVudGlhbCI6WyJleUpoYkdjaU9pSkZVekkxTmlJc0luUjVjQ0k2SWtwWFZDSjkuZXlKcWRHa2lPaUoxY200NmNHbGpPakVpTENKMll5STZleUowZVhCbElqcGJJbFpsY21sbWFXRmliR1ZEY21Wa1pXNTBhV0ZzSWl3aVZtVnlhV1pwWldSRmJYQnNiM2xsWlNKZGZYMC5jMmxuIl19fQ.c2ln"
	// id_token with jti id-token-jti
	testIDToken = "eyJhbGciOiJFUzI1NiIsInR5cCI6IkpXVCJ9.eyJqdGkiOiJpZC10b2tlbi1qdGkiLCJzdWIiOiJkaWQ6ZXhhbXBsZToxMjMifQ.c2ln"

	testPhoto = "data:image/jpeg;base64,/9j/4AAQSkZJRg=="
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.APIKey = testAPIKey
	cfg.VerifiedID.DIDAuthority = "did:web:vc.example.com"
	cfg.VerifiedID.ClientName = "Contoso"
	cfg.Issuance.CredentialType = "VerifiedEmployee"
	cfg.Issuance.ManifestURL = "https://verifiedid.did.msidentity.com/v1.0/tenants/t/verifiableCredentials/contracts/c/manifest"
	cfg.Presentation.CredentialType = "VerifiedEmployee"
	cfg.Presentation.AcceptedIssuers = []string{"did:web:vc.example.com"}
	return cfg
}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) GetAccessToken(ctx context.Context) (*token.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &token.Token{Value: "bearer-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeClient struct {
	mu           sync.Mutex
	err          error
	issuance     *domain.IssuanceRequest
	presentation *domain.PresentationRequest
	bearer       string
	manifest     json.RawMessage
}

func (f *fakeClient) result() *vcclient.CreateResult {
	raw := json.RawMessage(`{"requestId":"req-1","url":"openid-vc://?request_uri=https://x","expiry":1700000000}`)
	res := &vcclient.CreateResult{Raw: raw}
	_ = json.Unmarshal(raw, &res.CreateResponse)
	return res
}

func (f *fakeClient) CreateIssuanceRequest(ctx context.Context, req *domain.IssuanceRequest, bearer string) (*vcclient.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issuance = req
	f.bearer = bearer
	if f.err != nil {
		return nil, f.err
	}
	return f.result(), nil
}

func (f *fakeClient) CreatePresentationRequest(ctx context.Context, req *domain.PresentationRequest, bearer string) (*vcclient.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presentation = req
	f.bearer = bearer
	if f.err != nil {
		return nil, f.err
	}
	return f.result(), nil
}

func (f *fakeClient) FetchManifest(ctx context.Context, url string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

type fixture struct {
	cfg      *config.Config
	store    *callback.MemoryStore
	tokens   *fakeTokens
	client   *fakeClient
	services *Services
}

func newFixture(mutate ...func(*config.Config)) *fixture {
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	store := callback.NewMemoryStore(zap.NewNop())
	tokens := &fakeTokens{}
	client := &fakeClient{}
	return &fixture{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		client:   client,
		services: NewServices(cfg, store, tokens, client, nil, zap.NewNop()),
	}
}

var desktop = ClientInfo{
	BaseURL:   testBaseURL,
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var mobile = ClientInfo{
	BaseURL:   testBaseURL,
	UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
}
