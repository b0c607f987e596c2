// Package jwtpayload extracts the JSON payload of a compact JWT without
// verifying its signature. It is used for documents whose authenticity is
// established by the transport (the credential manifest fetched over TLS)
// or by the Request Service (receipts attached to a verified callback).
package jwtpayload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed = errors.New("malformed JWT")
)

// Decode returns the raw JSON of the payload (second) segment of token.
// Missing base64 padding is tolerated.
func Decode(token string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: expected at least 2 segments, got %d", ErrMalformed, len(parts))
	}

	payload, err := DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not JSON", ErrMalformed)
	}
	return payload, nil
}

// DecodeSegment decodes one base64url segment: '-' and '_' are mapped to
// '+' and '/' and the string is re-padded with '=' to a multiple of 4.
func DecodeSegment(seg string) ([]byte, error) {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimRight(seg, "="))
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(s)
}

// DecodeInto unmarshals the payload of token into v
func DecodeInto(token string, v interface{}) error {
	payload, err := Decode(token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Claims returns the payload of token as a generic map
func Claims(token string) (map[string]interface{}, error) {
	var claims map[string]interface{}
	if err := DecodeInto(token, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// StringClaim returns a top-level string claim, or "" when absent
func StringClaim(token, name string) string {
	claims, err := Claims(token)
	if err != nil {
		return ""
	}
	s, _ := claims[name].(string)
	return s
}
