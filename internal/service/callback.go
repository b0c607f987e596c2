package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

type selfiePayload struct {
	Photo string `json:"photo"`
}

// CallbackHandler validates inbound Request Service callbacks and records
// the reported status against the correlation state.
type CallbackHandler struct {
	store   callback.Store
	apiKey  []byte
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCallbackHandler creates a new CallbackHandler
func NewCallbackHandler(cfg *config.Config, store callback.Store, m *metrics.Metrics, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		store:   store,
		apiKey:  []byte(cfg.Server.APIKey),
		ttl:     time.Duration(cfg.Callbacks.TTLSeconds) * time.Second,
		metrics: m,
		logger:  logger.Named("callback-handler"),
	}
}

func (h *CallbackHandler) authorized(apiKey string) bool {
	if len(h.apiKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), h.apiKey) == 1
}

// Handle processes one callback of the given kind. Checks run in order:
// shared secret, body, status, state. Nothing is written unless all pass.
func (h *CallbackHandler) Handle(ctx context.Context, kind domain.RequestKind, apiKey string, raw []byte) error {
	err := h.handle(ctx, kind, apiKey, raw)
	h.metrics.CallbackReceived(string(kind), callbackOutcome(err))
	return err
}

func (h *CallbackHandler) handle(ctx context.Context, kind domain.RequestKind, apiKey string, raw []byte) error {
	if !h.authorized(apiKey) {
		h.logger.Warn("Rejected callback with invalid api-key", zap.String("kind", string(kind)))
		return ErrUnauthorizedCallback
	}

	ev, err := domain.ParseCallbackEvent(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	status := ev.Status()
	if !status.AllowedFor(kind) {
		return fmt.Errorf("%w: %q is not a valid %s status", ErrUnknownStatus, status, kind)
	}

	if ev.State == "" {
		return fmt.Errorf("%w: state is required", ErrInvalidState)
	}

	existing, err := h.store.Get(ctx, ev.State)
	if err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return fmt.Errorf("%w: unknown state", ErrInvalidState)
		}
		return err
	}
	if existing.Kind != kind {
		return fmt.Errorf("%w: state belongs to a %s request", ErrInvalidState, existing.Kind)
	}

	rec := &callback.Record{
		State:     ev.State,
		Kind:      kind,
		Status:    status,
		Payload:   json.RawMessage(raw),
		CreatedAt: existing.CreatedAt,
	}
	if err := h.store.Update(ctx, rec, h.ttl); err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return fmt.Errorf("%w: state expired", ErrInvalidState)
		}
		return err
	}

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("state", ev.State),
		zap.String("status", string(status)),
	}
	if ev.Error != nil {
		fields = append(fields, zap.String("error_code", ev.Error.Code), zap.String("error_message", ev.Error.Message))
	}
	h.logger.Info("Callback accepted", fields...)

	return nil
}

// HandleSelfie stores a photo uploaded by the selfie page. The body is an
// image data URL. No shared secret is involved; the unguessable state is
// the only credential.
func (h *CallbackHandler) HandleSelfie(ctx context.Context, state string, raw []byte) error {
	err := h.handleSelfie(ctx, state, raw)
	h.metrics.CallbackReceived(string(domain.KindSelfie), callbackOutcome(err))
	return err
}

func (h *CallbackHandler) handleSelfie(ctx context.Context, state string, raw []byte) error {
	if state == "" {
		return fmt.Errorf("%w: id is required", ErrMissingArgument)
	}

	photo := strings.TrimSpace(string(raw))
	if _, err := decodePhoto(photo); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	existing, err := h.store.Get(ctx, state)
	if err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return fmt.Errorf("%w: unknown state", ErrInvalidState)
		}
		return err
	}
	if existing.Kind != domain.KindSelfie {
		return fmt.Errorf("%w: state belongs to a %s request", ErrInvalidState, existing.Kind)
	}

	payload, err := json.Marshal(selfiePayload{Photo: photo})
	if err != nil {
		return err
	}

	rec := &callback.Record{
		State:     state,
		Kind:      domain.KindSelfie,
		Status:    domain.StatusSelfieTaken,
		Payload:   payload,
		CreatedAt: existing.CreatedAt,
	}
	if err := h.store.Update(ctx, rec, h.ttl); err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return fmt.Errorf("%w: state expired", ErrInvalidState)
		}
		return err
	}

	h.logger.Info("Selfie received", zap.String("state", state), zap.Int("bytes", len(photo)))
	return nil
}

// decodePhoto parses an image data URL. Only base64 encoded, non-empty
// images are accepted.
func decodePhoto(s string) (*dataurl.DataURL, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("photo is not a valid data URL: %v", err)
	}
	if du.MediaType.Type != "image" {
		return nil, fmt.Errorf("unsupported media type %q", du.MediaType.ContentType())
	}
	if du.Encoding != dataurl.EncodingBase64 {
		return nil, errors.New("photo data URL must be base64 encoded")
	}
	if len(du.Data) == 0 {
		return nil, errors.New("photo is empty")
	}
	return du, nil
}

func callbackOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrUnauthorizedCallback):
		return "unauthorized"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnknownStatus):
		return "unknown_status"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrMissingArgument):
		return "invalid_state"
	default:
		return "error"
	}
}
