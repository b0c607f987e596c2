package token

import (
	"context"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // x5t is defined as the SHA-1 thumbprint
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

const (
	clientAssertionType     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	clientAssertionLifetime = 10 * time.Minute
)

// certificateSource authenticates with a signed client assertion instead of
// a client secret. A new assertion is signed for every token request.
type certificateSource struct {
	clientID   string
	tokenURL   string
	scope      string
	key        *rsa.PrivateKey
	thumbprint string
	now        func() time.Time
}

func newCertificateSource(cfg *config.VerifiedIDConfig, tokenURL string) (*certificateSource, error) {
	pemData, err := os.ReadFile(cfg.CertificatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate: %v", ErrConfig, err)
	}

	if cfg.PrivateKeyPath != "" {
		keyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read private key: %v", ErrConfig, err)
		}
		pemData = append(append(pemData, '\n'), keyPEM...)
	}

	return newCertificateSourceFromPEM(cfg.ClientID, tokenURL, cfg.Scope, pemData)
}

// newCertificateSourceFromPEM loads the first certificate and the RSA private
// key from pemData.
func newCertificateSourceFromPEM(clientID, tokenURL, scope string, pemData []byte) (*certificateSource, error) {
	certs, priv, err := confidential.CertFromPEM(pemData, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate found in PEM data", ErrConfig)
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key must be RSA, got %T", ErrConfig, priv)
	}

	sum := sha1.Sum(certs[0].Raw) //nolint:gosec
	return &certificateSource{
		clientID:   clientID,
		tokenURL:   tokenURL,
		scope:      scope,
		key:        key,
		thumbprint: base64.RawURLEncoding.EncodeToString(sum[:]),
		now:        time.Now,
	}, nil
}

func (s *certificateSource) assertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{s.tokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["x5t"] = s.thumbprint

	return token.SignedString(s.key)
}

func (s *certificateSource) Token(ctx context.Context) (*oauth2.Token, error) {
	assertion, err := s.assertion()
	if err != nil {
		return nil, fmt.Errorf("%w: sign client assertion: %v", ErrTokenAcquisition, err)
	}

	cc := &clientcredentials.Config{
		ClientID:  s.clientID,
		TokenURL:  s.tokenURL,
		Scopes:    []string{s.scope},
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	return cc.Token(ctx)
}
