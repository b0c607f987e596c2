package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
)

const (
	claimQueryPrefix = "claim."

	// maxCallbackBody bounds Request Service callbacks
	maxCallbackBody = 1 << 20
	// maxSelfieBody bounds selfie uploads, which carry a base64 photo
	maxSelfieBody = 5 << 20
)

// IssuanceRequest creates an issuance request and returns the Request
// Service response with the correlation id and, for desktop browsers, the PIN.
//
// Query parameters: photo_id references a completed selfie; claim.<name>
// supplies a claim value.
func (h *Handlers) IssuanceRequest(c *gin.Context) {
	opts := service.IssuanceOptions{
		PhotoID: c.Query("photo_id"),
		Claims:  map[string]string{},
	}
	for key, values := range c.Request.URL.Query() {
		name, ok := strings.CutPrefix(key, claimQueryPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		opts.Claims[name] = values[0]
	}

	res, err := h.services.Builder.CreateIssuanceRequest(c.Request.Context(), clientInfo(c), opts)
	if err != nil {
		h.respondError(c, err)
		return
	}

	body, err := res.Body()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

// IssuanceCallback receives issuance progress from the Request Service
func (h *Handlers) IssuanceCallback(c *gin.Context) {
	h.callback(c, domain.KindIssuance)
}

// IssuanceResponse returns the status of an issuance or selfie request
func (h *Handlers) IssuanceResponse(c *gin.Context) {
	h.pollStatus(c, domain.KindIssuance)
}

// GetManifest returns the decoded manifest of the configured credential
func (h *Handlers) GetManifest(c *gin.Context) {
	manifest, err := h.services.Builder.Manifest(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", manifest)
}

// SelfieRequest registers a selfie capture and returns the URL of the
// capture page to show as a QR code.
func (h *Handlers) SelfieRequest(c *gin.Context) {
	res, err := h.services.Builder.BuildSelfieRequest(c.Request.Context(), clientInfo(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SelfieUpload receives the photo taken on the capture page. The body is an
// image data URL.
func (h *Handlers) SelfieUpload(c *gin.Context) {
	body, err := readBody(c, maxSelfieBody)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.services.Callbacks.HandleSelfie(c.Request.Context(), c.Param("id"), body); err != nil {
		h.respondError(c, err)
		return
	}
	acknowledge(c)
}

func (h *Handlers) callback(c *gin.Context, kind domain.RequestKind) {
	body, err := readBody(c, maxCallbackBody)
	if err != nil {
		h.respondError(c, err)
		return
	}

	err = h.services.Callbacks.Handle(c.Request.Context(), kind, c.GetHeader(domain.APIKeyHeader), body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	acknowledge(c)
}
