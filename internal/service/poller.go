package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/jwtpayload"
)

// NoDataMessage is reported for unknown or expired states
const NoDataMessage = "No data"

// PublicStatus is the flattened view of a record returned to the browser.
// Claims of a verified presentation are also emitted as top-level fields.
type PublicStatus struct {
	Found         bool
	Code          int
	RequestStatus domain.RequestStatus
	Message       string

	Subject              string
	Type                 string
	Issuer               string
	Claims               map[string]interface{}
	MatchConfidenceScore *float64
	JTI                  string
	IssuanceDate         string
	ExpirationDate       string
	Photo                string
	Error                *domain.CallbackError
}

// Terminal reports whether no further change is expected
func (s *PublicStatus) Terminal() bool {
	return s.Found && s.RequestStatus.Terminal()
}

func (s *PublicStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Claims)+12)
	for k, v := range s.Claims {
		out[k] = v
	}

	if !s.Found {
		out["status"] = ""
		out["message"] = NoDataMessage
		return json.Marshal(out)
	}

	out["status"] = s.Code
	out["requestStatus"] = s.RequestStatus
	out["message"] = s.Message

	setString := func(key, v string) {
		if v != "" {
			out[key] = v
		}
	}
	setString("subject", s.Subject)
	setString("type", s.Type)
	setString("issuer", s.Issuer)
	setString("jti", s.JTI)
	setString("issuanceDate", s.IssuanceDate)
	setString("expirationDate", s.ExpirationDate)
	setString("photo", s.Photo)

	if s.Claims != nil {
		out["claims"] = s.Claims
	}
	if s.MatchConfidenceScore != nil {
		out["matchConfidenceScore"] = *s.MatchConfidenceScore
	}
	if s.Error != nil {
		out["error"] = s.Error
	}

	return json.Marshal(out)
}

// StatusPoller answers browser polls for the status of a correlation id
type StatusPoller struct {
	store                callback.Store
	removeOnTerminalRead bool
	metrics              *metrics.Metrics
	logger               *zap.Logger
}

// NewStatusPoller creates a new StatusPoller
func NewStatusPoller(cfg *config.Config, store callback.Store, m *metrics.Metrics, logger *zap.Logger) *StatusPoller {
	return &StatusPoller{
		store:                store,
		removeOnTerminalRead: cfg.Callbacks.RemoveOnTerminalRead,
		metrics:              m,
		logger:               logger.Named("status-poller"),
	}
}

// Poll returns the current status of state. Unknown, expired and mismatched
// states yield a PublicStatus with Found false rather than an error. A
// terminal status is removed after it is read when so configured.
func (p *StatusPoller) Poll(ctx context.Context, kind domain.RequestKind, state string) (*PublicStatus, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: id is required", ErrMissingArgument)
	}

	rec, err := p.store.Get(ctx, state)
	if err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			p.metrics.StatusPolled(string(kind), "")
			return &PublicStatus{}, nil
		}
		return nil, err
	}

	if !pollable(kind, rec.Kind) {
		p.metrics.StatusPolled(string(kind), "")
		return &PublicStatus{}, nil
	}

	status := p.flatten(rec)
	p.metrics.StatusPolled(string(kind), string(rec.Status))

	// A taken selfie stays until the issuance request that uses it consumes it
	if p.removeOnTerminalRead && rec.Status.Terminal() && rec.Kind != domain.KindSelfie {
		if err := p.store.Remove(ctx, state); err != nil {
			p.logger.Warn("Failed to remove terminal state", zap.String("state", state), zap.Error(err))
		}
	}

	return status, nil
}

// pollable reports whether a record of kind rec may be read through the
// endpoint for kind. Selfies are polled through the issuance endpoint.
func pollable(kind, rec domain.RequestKind) bool {
	if kind == rec {
		return true
	}
	return kind == domain.KindIssuance && rec == domain.KindSelfie
}

func (p *StatusPoller) flatten(rec *callback.Record) *PublicStatus {
	out := &PublicStatus{
		Found:         true,
		Code:          rec.Status.PublicCode(),
		RequestStatus: rec.Status,
		Message:       rec.Status.Message(),
	}

	if len(rec.Payload) == 0 {
		return out
	}

	if rec.Kind == domain.KindSelfie {
		var payload selfiePayload
		if err := json.Unmarshal(rec.Payload, &payload); err == nil {
			out.Photo = payload.Photo
		}
		return out
	}

	ev, err := domain.ParseCallbackEvent(rec.Payload)
	if err != nil {
		p.logger.Warn("Stored callback payload is not valid", zap.String("state", rec.State), zap.Error(err))
		return out
	}

	if ev.Error != nil {
		out.Error = ev.Error
		if ev.Error.Message != "" {
			out.Message = ev.Error.Message
		}
	}

	if rec.Status != domain.StatusPresentationVerified {
		return out
	}

	out.Subject = ev.Subject
	if vc := ev.FirstCredential(); vc != nil {
		out.Type = vc.CredentialType()
		out.Issuer = vc.IssuerDID()
		out.Claims = vc.Claims
		out.IssuanceDate = vc.IssuanceDate
		out.ExpirationDate = vc.ExpirationDate
		if vc.FaceCheck != nil {
			score := vc.FaceCheck.MatchConfidenceScore
			out.MatchConfidenceScore = &score
		}
	}
	out.JTI = presentedCredentialID(ev.Receipt)

	return out
}

// presentedCredentialID returns the jti of the first credential inside the
// receipt's vp_token, falling back to the jti of the id_token.
func presentedCredentialID(r *domain.Receipt) string {
	if r == nil {
		return ""
	}

	if r.VPToken != "" {
		var vp struct {
			VP struct {
				VerifiableCredential []string `json:"verifiableCredential"`
			} `json:"vp"`
		}
		if err := jwtpayload.DecodeInto(r.VPToken, &vp); err == nil && len(vp.VP.VerifiableCredential) > 0 {
			if jti := jwtpayload.StringClaim(vp.VP.VerifiableCredential[0], "jti"); jti != "" {
				return jti
			}
		}
	}

	if r.IDToken != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(r.IDToken, claims); err == nil {
			if jti, ok := claims["jti"].(string); ok {
				return jti
			}
		}
	}

	return ""
}
