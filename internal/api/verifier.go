package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
)

const constraintQueryPrefix = "constraint."

// PresentationRequest creates a presentation request.
//
// Query parameters: faceCheck=1 enables face check, photoClaimName and
// confidenceThreshold tune it, constraint.<claim>=<value> restricts the
// accepted values of a claim.
func (h *Handlers) PresentationRequest(c *gin.Context) {
	opts, err := presentationOptions(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	res, err := h.services.Builder.CreatePresentationRequest(c.Request.Context(), clientInfo(c), opts)
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

func presentationOptions(c *gin.Context) (service.PresentationOptions, error) {
	opts := service.PresentationOptions{
		PhotoClaimName: c.Query("photoClaimName"),
	}

	switch strings.ToLower(c.Query("faceCheck")) {
	case "", "0", "false":
	case "1", "true":
		opts.FaceCheck = true
	default:
		return opts, fmt.Errorf("%w: faceCheck must be 0 or 1", service.ErrInvalidArgument)
	}

	if v := c.Query("confidenceThreshold"); v != "" {
		threshold, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: confidenceThreshold must be an integer", service.ErrInvalidArgument)
		}
		opts.ConfidenceThreshold = threshold
	}

	query := c.Request.URL.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name, ok := strings.CutPrefix(key, constraintQueryPrefix)
		if !ok || name == "" {
			continue
		}
		opts.Constraints = append(opts.Constraints, domain.ClaimConstraint{
			ClaimName: name,
			Values:    query[key],
		})
	}
	return opts, nil
}

// PresentationCallback receives presentation progress from the Request Service
func (h *Handlers) PresentationCallback(c *gin.Context) {
	h.callback(c, domain.KindPresentation)
}

// PresentationResponse returns the status of a presentation request
func (h *Handlers) PresentationResponse(c *gin.Context) {
	h.pollStatus(c, domain.KindPresentation)
}

// StatusStream upgrades to a websocket that pushes the status of id until it
// is terminal. kind defaults to presentation.
func (h *Handlers) StatusStream(c *gin.Context) {
	state := c.Query("id")
	if state == "" {
		h.respondError(c, fmt.Errorf("%w: id is required", service.ErrMissingArgument))
		return
	}

	kind := domain.KindPresentation
	if k := c.Query("kind"); k != "" {
		parsed, err := domain.ParseRequestKind(k)
		if err != nil {
			h.respondError(c, fmt.Errorf("%w: %v", service.ErrInvalidArgument, err))
			return
		}
		kind = parsed
	}

	h.streams.HandleConnection(c.Writer, c.Request, kind, state)
}
