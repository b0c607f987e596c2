// Package api provides the HTTP API of the request backend.
package api

// ServiceName is reported by /status
const ServiceName = "vc-request-backend"

// APIVersion represents the API version supported by this server.
// Browsers use it to detect optional features such as the status websocket.
const (
	// APIVersion1 is the polling API
	APIVersion1 = 1

	// APIVersion2 adds the status websocket and selfie capture
	APIVersion2 = 2

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion2
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"issuance",
		"presentation",
		"polling",
	},
	APIVersion2: {
		"issuance",
		"presentation",
		"polling",
		"status-websocket",
		"selfie",
		"face-check",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Store        string   `json:"store,omitempty"`
}
