package token

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	mi "github.com/AzureAD/microsoft-authentication-library-for-go/apps/managedidentity"
	"golang.org/x/oauth2"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// managedIdentitySource fetches tokens for the host identity. The identity
// endpoint is discovered from the environment by MSAL.
type managedIdentitySource struct {
	client   mi.Client
	resource string
}

func newManagedIdentitySource(cfg *config.VerifiedIDConfig, httpClient *http.Client) (*managedIdentitySource, error) {
	id := mi.SystemAssigned()
	if cfg.ClientID != "" {
		id = mi.UserAssignedClientID(cfg.ClientID)
	}

	client, err := mi.New(id, mi.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("%w: managed identity: %v", ErrConfig, err)
	}

	return &managedIdentitySource{
		client:   client,
		resource: strings.TrimSuffix(cfg.Scope, "/.default"),
	}, nil
}

func (s *managedIdentitySource) Token(ctx context.Context) (*oauth2.Token, error) {
	res, err := s.client.AcquireToken(ctx, s.resource)
	if err != nil {
		return nil, fmt.Errorf("managed identity: %w", err)
	}
	return &oauth2.Token{
		AccessToken: res.AccessToken,
		TokenType:   "Bearer",
		Expiry:      res.ExpiresOn,
	}, nil
}
