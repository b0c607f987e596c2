package domain

import "fmt"

// RequestKind identifies which flow a correlation id belongs to
type RequestKind string

const (
	KindIssuance     RequestKind = "issuance"
	KindPresentation RequestKind = "presentation"
	KindSelfie       RequestKind = "selfie"
)

// ParseRequestKind validates a kind received from a client
func ParseRequestKind(s string) (RequestKind, error) {
	switch k := RequestKind(s); k {
	case KindIssuance, KindPresentation, KindSelfie:
		return k, nil
	default:
		return "", fmt.Errorf("unknown request kind %q", s)
	}
}

// RequestStatus is the lifecycle state of a correlation id.
//
//	issuance:     request_created -> request_retrieved -> issuance_successful | issuance_error
//	presentation: request_created -> request_retrieved -> presentation_verified | presentation_error
//	selfie:       request_created -> selfie_taken
type RequestStatus string

const (
	StatusRequestCreated       RequestStatus = "request_created"
	StatusRequestRetrieved     RequestStatus = "request_retrieved"
	StatusIssuanceSuccessful   RequestStatus = "issuance_successful"
	StatusIssuanceError        RequestStatus = "issuance_error"
	StatusPresentationVerified RequestStatus = "presentation_verified"
	StatusPresentationError    RequestStatus = "presentation_error"
	StatusSelfieTaken          RequestStatus = "selfie_taken"
)

// Valid reports whether s is one of the known statuses
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusRequestCreated, StatusRequestRetrieved,
		StatusIssuanceSuccessful, StatusIssuanceError,
		StatusPresentationVerified, StatusPresentationError,
		StatusSelfieTaken:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further callback is expected after s
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusRequestCreated, StatusRequestRetrieved:
		return false
	case StatusIssuanceSuccessful, StatusIssuanceError,
		StatusPresentationVerified, StatusPresentationError,
		StatusSelfieTaken:
		return true
	default:
		return false
	}
}

// IsError reports whether s is a failure outcome
func (s RequestStatus) IsError() bool {
	switch s {
	case StatusIssuanceError, StatusPresentationError:
		return true
	default:
		return false
	}
}

// AllowedFor reports whether a callback of the given kind may carry status s.
// request_created is never accepted from a callback; only the builder sets it.
func (s RequestStatus) AllowedFor(kind RequestKind) bool {
	switch kind {
	case KindIssuance:
		switch s {
		case StatusRequestRetrieved, StatusIssuanceSuccessful, StatusIssuanceError:
			return true
		}
	case KindPresentation:
		switch s {
		case StatusRequestRetrieved, StatusPresentationVerified, StatusPresentationError:
			return true
		}
	case KindSelfie:
		return s == StatusSelfieTaken
	}
	return false
}

// Public status codes returned to polling browsers
const (
	PublicCodeCreated   = 0
	PublicCodeRetrieved = 1
	PublicCodeSucceeded = 2
	PublicCodeError     = 99
)

// PublicCode maps s to the small integer code exposed to browsers
func (s RequestStatus) PublicCode() int {
	switch s {
	case StatusRequestCreated:
		return PublicCodeCreated
	case StatusRequestRetrieved:
		return PublicCodeRetrieved
	case StatusIssuanceSuccessful, StatusPresentationVerified, StatusSelfieTaken:
		return PublicCodeSucceeded
	case StatusIssuanceError, StatusPresentationError:
		return PublicCodeError
	default:
		return PublicCodeError
	}
}

// Message returns the human readable message for s
func (s RequestStatus) Message() string {
	switch s {
	case StatusRequestCreated:
		return "Waiting for QR code to be scanned"
	case StatusRequestRetrieved:
		return "QR code is scanned. Waiting for the wallet to respond..."
	case StatusIssuanceSuccessful:
		return "Credential successfully issued"
	case StatusIssuanceError:
		return "Issuance failed"
	case StatusPresentationVerified:
		return "Presentation verified"
	case StatusPresentationError:
		return "Presentation failed"
	case StatusSelfieTaken:
		return "Selfie taken"
	default:
		return ""
	}
}
