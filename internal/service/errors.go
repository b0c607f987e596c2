package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/token"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
)

var (
	ErrUnauthorizedCallback = errors.New("unauthorized callback")
	ErrInvalidState         = errors.New("invalid state")
	ErrUnknownStatus        = errors.New("unknown status")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrMissingArgument      = errors.New("missing argument")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// TokenSource hands out bearer tokens for the Request Service
type TokenSource interface {
	GetAccessToken(ctx context.Context) (*token.Token, error)
}

// RequestServiceClient is the subset of the Request Service API used here
type RequestServiceClient interface {
	CreateIssuanceRequest(ctx context.Context, req *domain.IssuanceRequest, bearer string) (*vcclient.CreateResult, error)
	CreatePresentationRequest(ctx context.Context, req *domain.PresentationRequest, bearer string) (*vcclient.CreateResult, error)
	FetchManifest(ctx context.Context, url string) (json.RawMessage, error)
}
