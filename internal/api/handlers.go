package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
	"github.com/sirosfoundation/go-vc-request-backend/internal/token"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
	"github.com/sirosfoundation/go-vc-request-backend/internal/websocket"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// Pinger reports whether the state backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	services *service.Services
	streams  *websocket.Manager
	store    Pinger
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services *service.Services, streams *websocket.Manager, store Pinger, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		services: services,
		streams:  streams,
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("handlers"),
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Service:      ServiceName,
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
		Store:        h.cfg.Store.Type,
	})
}

// Health reports whether the state backend answers
func (h *Handlers) Health(c *gin.Context) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// clientInfo derives the caller's view of this service from the request.
// Reverse proxies report the original scheme and host in X-Forwarded-Proto
// and X-Original-Host.
func clientInfo(c *gin.Context) service.ClientInfo {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := c.Request.Host
	if original := c.GetHeader("X-Original-Host"); original != "" {
		host = original
	}

	return service.ClientInfo{
		BaseURL:   scheme + "://" + host,
		UserAgent: c.Request.UserAgent(),
	}
}

// respondError maps service errors to a JSON error response. Internal
// errors are reported as 400 with their message.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var upstream *vcclient.UpstreamError
	if errors.As(err, &upstream) {
		h.logger.Warn("Request Service rejected request", zap.Int("status", upstream.Status))
		resp := gin.H{
			"error":             "upstream_error",
			"error_description": string(upstream.Body),
			"upstream_status":   upstream.Status,
		}
		// A JSON body is also attached as-is so callers can read its error codes
		if json.Valid(upstream.Body) {
			resp["upstream"] = json.RawMessage(upstream.Body)
		}
		c.JSON(http.StatusBadRequest, resp)
		return
	}

	var acquisition *token.AcquisitionError
	switch {
	case errors.Is(err, token.ErrConfig):
		h.logger.Error("Token provider misconfigured", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_error", "error_description": err.Error()})
	case errors.Is(err, token.ErrUnsupportedScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "error_description": token.ErrUnsupportedScope.Error()})
	case errors.As(err, &acquisition):
		h.logger.Error("Failed to acquire access token", zap.Error(err))
		code := acquisition.Code
		if code == "" {
			code = "token_error"
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": code, "error_description": acquisition.Error()})
	case errors.Is(err, token.ErrTokenAcquisition):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_error", "error_description": err.Error()})
	case errors.Is(err, service.ErrUnauthorizedCallback):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": err.Error()})
	case errors.Is(err, service.ErrUnknownStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_status", "error_description": err.Error()})
	case errors.Is(err, service.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "error_description": err.Error()})
	case errors.Is(err, service.ErrMissingArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_argument", "error_description": err.Error()})
	case errors.Is(err, service.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "error_description": err.Error()})
	default:
		h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "error_description": err.Error()})
	}
}

// readBody reads the request body, bounded by limit
func readBody(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", service.ErrInvalidPayload, limit)
		}
		return nil, err
	}
	return body, nil
}

// acknowledge answers an accepted callback
func acknowledge(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

// pollStatus writes the public status of the id query parameter
func (h *Handlers) pollStatus(c *gin.Context, kind domain.RequestKind) {
	status, err := h.services.Poller.Poll(c.Request.Context(), kind, c.Query("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
