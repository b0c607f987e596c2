package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// vp_token whose first credential has jti urn:pic:1
const testVPToken = "eyJhbGciOiJFUzI1NiIsInR5cCI6IkpXVCJ9.eyJ2cCI6eyJ2ZXJpZmlhYmxlQ3JlZGVudGlhbCI6WyJleUpoYkdjaU9pSkZVekkxTmlJc0luUjVjQ0k2SWtwWFZDSjkuZXlKcWRHa2lPaUoxY200NmNHbGpPakVpTENKMll5STZleUowZVhCbElqcGJJbFpsY21sbWFXRmliR1ZEY21Wa1pXNTBhV0ZzSWl3aVZtVnlhV1pwWldSRmJYQnNiM2xsWlNKZGZYMC5jMmxuIl19fQ.c2ln"

func readStatus(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestIssuanceFlow_WebSocket(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []TestHarnessOption
	}{
		{"memory", nil},
		{"redis", []TestHarnessOption{WithRedis()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := NewTestHarness(t, tc.opts...)

			created := h.GET("/api/issuer/issuance-request?claim.given_name=Megan").Status(http.StatusOK).Map()
			id, _ := created["id"].(string)
			require.NotEmpty(t, id)
			assert.Equal(t, "req-1", created["requestId"])
			assert.Equal(t, []string{"access-token-1"}, h.RequestService.Bearers())

			conn, _, err := websocket.DefaultDialer.Dial(h.WebSocketURL("issuance", id), nil)
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, float64(0), readStatus(t, conn)["status"])

			h.Callback(id, map[string]string{"requestId": "req-1", "requestStatus": "request_retrieved", "state": id}).
				Status(http.StatusOK)
			assert.Equal(t, float64(1), readStatus(t, conn)["status"])

			h.Callback(id, map[string]string{"requestId": "req-1", "requestStatus": "issuance_successful", "state": id}).
				Status(http.StatusOK)
			final := readStatus(t, conn)
			assert.Equal(t, float64(2), final["status"])
			assert.Equal(t, "Credential successfully issued", final["message"])

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err = conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

			// the terminal status was consumed by the stream
			h.GET("/api/issuer/issuance-response?id=" + id).Status(http.StatusOK).
				BodyContains(`"message":"No data"`)

			// a late duplicate finds no state
			h.Callback(id, map[string]string{"requestStatus": "issuance_successful", "state": id}).
				Status(http.StatusBadRequest)
		})
	}
}

func TestPresentationFlow_Receipt(t *testing.T) {
	h := NewTestHarness(t, WithRedis())

	id := h.GET("/api/verifier/presentation-request").Status(http.StatusOK).Map()["id"].(string)

	sent := h.RequestService.LastRequest()
	assert.Equal(t, true, sent["includeReceipt"])
	assert.Equal(t, "did:web:vc.example.com", sent["authority"])

	h.Callback(id, map[string]interface{}{
		"requestId":     "req-1",
		"requestStatus": "presentation_verified",
		"state":         id,
		"subject":       "did:example:holder",
		"verifiedCredentialsData": []map[string]interface{}{{
			"issuer":         "did:web:vc.example.com",
			"type":           []string{"VerifiableCredential", "VerifiedEmployee"},
			"claims":         map[string]string{"givenName": "Megan", "jobTitle": "Engineer"},
			"issuanceDate":   "2024-01-01T00:00:00Z",
			"expirationDate": "2025-01-01T00:00:00Z",
		}},
		"receipt": map[string]string{"vp_token": testVPToken},
	}).Status(http.StatusOK)

	status := h.GET("/api/verifier/presentation-response?id=" + id).Status(http.StatusOK).Map()
	assert.Equal(t, float64(2), status["status"])
	assert.Equal(t, "did:example:holder", status["subject"])
	assert.Equal(t, "VerifiedEmployee", status["type"])
	assert.Equal(t, "urn:pic:1", status["jti"])
	assert.Equal(t, "Engineer", status["jobTitle"])
	assert.Equal(t, "2025-01-01T00:00:00Z", status["expirationDate"])
}

func TestCallback_ForgedAPIKey(t *testing.T) {
	h := NewTestHarness(t)

	id := h.GET("/api/verifier/presentation-request").Status(http.StatusOK).Map()["id"].(string)

	resp := h.Request(http.MethodPost, "/api/verifier/presentationcallback",
		[]byte(`{"requestStatus":"presentation_verified","state":"`+id+`"}`),
		http.Header{"Api-Key": {"forged"}, "Content-Type": {"application/json"}})
	resp.Status(http.StatusUnauthorized)

	status := h.GET("/api/verifier/presentation-response?id=" + id).Status(http.StatusOK).Map()
	assert.Equal(t, float64(0), status["status"])
}

func TestTokenIsCached(t *testing.T) {
	h := NewTestHarness(t)

	for i := 0; i < 3; i++ {
		h.GET("/api/verifier/presentation-request").Status(http.StatusOK)
	}
	assert.Equal(t, 1, h.Authority.Calls())
	assert.Equal(t, []string{"access-token-1", "access-token-1", "access-token-1"}, h.RequestService.Bearers())
}

func TestTokenFailure(t *testing.T) {
	h := NewTestHarness(t)
	h.Authority.Fail()

	body := h.GET("/api/issuer/issuance-request").Status(http.StatusUnauthorized).Map()
	assert.Equal(t, "invalid_client", body["error"])
	assert.Empty(t, h.RequestService.Bearers())
}

func TestMisconfiguredCredentials(t *testing.T) {
	h := NewTestHarness(t, WithConfig(func(cfg *config.Config) {
		cfg.VerifiedID.ManagedIdentity = true
	}))

	body := h.GET("/api/issuer/issuance-request").Status(http.StatusBadRequest).Map()
	assert.Equal(t, "configuration_error", body["error"])
	assert.Equal(t, 0, h.Authority.Calls())
}

func TestUpstreamFailure(t *testing.T) {
	h := NewTestHarness(t)
	h.RequestService.FailNext()

	h.GET("/api/issuer/issuance-request").
		Status(http.StatusBadRequest).
		BodyContains("manifest is invalid")
}

func TestStateExpires(t *testing.T) {
	h := NewTestHarness(t, WithRedis())

	id := h.GET("/api/verifier/presentation-request").Status(http.StatusOK).Map()["id"].(string)
	h.redis.FastForward(time.Duration(h.Config.Callbacks.TTLSeconds+1) * time.Second)

	h.Callback(id, map[string]string{"requestStatus": "request_retrieved", "state": id}).
		Status(http.StatusBadRequest)
	h.GET("/api/verifier/presentation-response?id=" + id).Status(http.StatusOK).
		BodyContains(`"message":"No data"`)
}

func TestGetManifest(t *testing.T) {
	h := NewTestHarness(t)

	body := h.GET("/api/issuer/get-manifest").Status(http.StatusOK).Map()
	display := body["display"].(map[string]interface{})
	assert.Equal(t, "Verified Employee", display["card"].(map[string]interface{})["title"])
}
