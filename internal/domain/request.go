package domain

// APIKeyHeader is the header carrying the shared secret on callbacks
const APIKeyHeader = "api-key"

// CallbackDescriptor tells the Request Service where to report progress
type CallbackDescriptor struct {
	URL     string            `json:"url"`
	State   string            `json:"state"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Registration is the requester information shown in the wallet
type Registration struct {
	ClientName string `json:"clientName"`
	Purpose    string `json:"purpose,omitempty"`
	LogoURL    string `json:"logoUrl,omitempty"`
}

// Pin is the optional second factor shown in the browser and typed into the wallet
type Pin struct {
	Value  string `json:"value"`
	Length int    `json:"length"`
}

// IssuanceRequest is the createIssuanceRequest payload
type IssuanceRequest struct {
	IncludeQRCode  bool               `json:"includeQRCode"`
	Callback       CallbackDescriptor `json:"callback"`
	Authority      string             `json:"authority"`
	Registration   Registration       `json:"registration"`
	Type           string             `json:"type"`
	Manifest       string             `json:"manifest"`
	Pin            *Pin               `json:"pin,omitempty"`
	Claims         map[string]string  `json:"claims,omitempty"`
	ExpirationDate string             `json:"expirationDate,omitempty"`
}

// PresentationRequest is the createPresentationRequest payload
type PresentationRequest struct {
	IncludeQRCode        bool                  `json:"includeQRCode"`
	IncludeReceipt       bool                  `json:"includeReceipt"`
	Authority            string                `json:"authority"`
	Registration         Registration          `json:"registration"`
	Callback             CallbackDescriptor    `json:"callback"`
	RequestedCredentials []RequestedCredential `json:"requestedCredentials"`
}

// RequestedCredential describes one credential the wallet must present
type RequestedCredential struct {
	Type            string            `json:"type"`
	Purpose         string            `json:"purpose,omitempty"`
	AcceptedIssuers []string          `json:"acceptedIssuers,omitempty"`
	Configuration   CredentialConfig  `json:"configuration"`
	Constraints     []ClaimConstraint `json:"constraints,omitempty"`
}

// CredentialConfig holds presentation validation settings
type CredentialConfig struct {
	Validation Validation `json:"validation"`
}

// Validation flags applied by the Request Service to the presented credential
type Validation struct {
	AllowRevoked         bool       `json:"allowRevoked"`
	ValidateLinkedDomain bool       `json:"validateLinkedDomain"`
	FaceCheck            *FaceCheck `json:"faceCheck,omitempty"`
}

// FaceCheck requests a liveness comparison against a photo claim
type FaceCheck struct {
	SourcePhotoClaimName     string `json:"sourcePhotoClaimName"`
	MatchConfidenceThreshold int    `json:"matchConfidenceThreshold,omitempty"`
}

// ClaimConstraint restricts an accepted claim value. Exactly one of Values,
// Contains or StartsWith is set.
type ClaimConstraint struct {
	ClaimName  string   `json:"claimName"`
	Values     []string `json:"values,omitempty"`
	Contains   string   `json:"contains,omitempty"`
	StartsWith string   `json:"startsWith,omitempty"`
}

// SetFaceCheck enables face check on the first requested credential. Face
// check cannot be combined with a receipt, so the receipt is turned off.
func (r *PresentationRequest) SetFaceCheck(photoClaimName string, threshold int) {
	if len(r.RequestedCredentials) == 0 {
		return
	}
	r.IncludeReceipt = false
	r.RequestedCredentials[0].Configuration.Validation.FaceCheck = &FaceCheck{
		SourcePhotoClaimName:     photoClaimName,
		MatchConfidenceThreshold: threshold,
	}
}

// AddClaimConstraint adds c to the first requested credential, replacing any
// constraint already present for the same claim name.
func (r *PresentationRequest) AddClaimConstraint(c ClaimConstraint) {
	if len(r.RequestedCredentials) == 0 {
		return
	}
	rc := &r.RequestedCredentials[0]
	for i := range rc.Constraints {
		if rc.Constraints[i].ClaimName == c.ClaimName {
			rc.Constraints[i] = c
			return
		}
	}
	rc.Constraints = append(rc.Constraints, c)
}

// CreateResponse is the 201 body returned by the create*Request calls
type CreateResponse struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Expiry    int64  `json:"expiry"`
	QRCode    string `json:"qrCode,omitempty"`
}
