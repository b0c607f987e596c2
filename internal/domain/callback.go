package domain

import (
	"encoding/json"
	"fmt"
)

// CallbackEvent is the body the Request Service POSTs to the callback URL.
// Older service versions used "code" instead of "requestStatus" and
// "issuers" instead of "verifiedCredentialsData"; both are accepted.
type CallbackEvent struct {
	RequestID               string               `json:"requestId,omitempty"`
	RequestStatus           RequestStatus        `json:"requestStatus,omitempty"`
	Code                    RequestStatus        `json:"code,omitempty"`
	State                   string               `json:"state"`
	Subject                 string               `json:"subject,omitempty"`
	VerifiedCredentialsData []VerifiedCredential `json:"verifiedCredentialsData,omitempty"`
	Issuers                 []VerifiedCredential `json:"issuers,omitempty"`
	Receipt                 *Receipt             `json:"receipt,omitempty"`
	Error                   *CallbackError       `json:"error,omitempty"`
}

// VerifiedCredential is one presented credential as validated by the service
type VerifiedCredential struct {
	Issuer           string                 `json:"issuer,omitempty"`
	Authority        string                 `json:"authority,omitempty"`
	Type             []string               `json:"type,omitempty"`
	Claims           map[string]interface{} `json:"claims,omitempty"`
	CredentialState  *CredentialState       `json:"credentialState,omitempty"`
	DomainValidation *DomainValidation      `json:"domainValidation,omitempty"`
	IssuanceDate     string                 `json:"issuanceDate,omitempty"`
	ExpirationDate   string                 `json:"expirationDate,omitempty"`
	FaceCheck        *FaceCheckResult       `json:"faceCheck,omitempty"`
}

// CredentialState carries the revocation status of a presented credential
type CredentialState struct {
	RevocationStatus string `json:"revocationStatus,omitempty"`
}

// DomainValidation carries the linked domain of the issuer
type DomainValidation struct {
	URL string `json:"url,omitempty"`
}

// FaceCheckResult is the outcome of a face check
type FaceCheckResult struct {
	MatchConfidenceScore float64 `json:"matchConfidenceScore"`
}

// Receipt holds the raw tokens when includeReceipt was requested
type Receipt struct {
	IDToken string `json:"id_token,omitempty"`
	VPToken string `json:"vp_token,omitempty"`
}

// CallbackError is the error envelope of a failed flow
type CallbackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseCallbackEvent decodes a raw callback body
func ParseCallbackEvent(raw []byte) (*CallbackEvent, error) {
	var ev CallbackEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid callback body: %w", err)
	}
	return &ev, nil
}

// Status returns the reported status regardless of payload version
func (e *CallbackEvent) Status() RequestStatus {
	if e.RequestStatus != "" {
		return e.RequestStatus
	}
	return e.Code
}

// Credentials returns the verified credentials regardless of payload version
func (e *CallbackEvent) Credentials() []VerifiedCredential {
	if len(e.VerifiedCredentialsData) > 0 {
		return e.VerifiedCredentialsData
	}
	return e.Issuers
}

// FirstCredential returns the first verified credential, if any
func (e *CallbackEvent) FirstCredential() *VerifiedCredential {
	creds := e.Credentials()
	if len(creds) == 0 {
		return nil
	}
	return &creds[0]
}

// CredentialType returns the most specific type, skipping the generic
// "VerifiableCredential" entry.
func (c *VerifiedCredential) CredentialType() string {
	for i := len(c.Type) - 1; i >= 0; i-- {
		if c.Type[i] != "VerifiableCredential" {
			return c.Type[i]
		}
	}
	return ""
}

// IssuerDID returns the issuer, falling back to the legacy authority field
func (c *VerifiedCredential) IssuerDID() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return c.Authority
}
