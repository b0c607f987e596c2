package token

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned when zero or more than one client credential is
	// configured, or the configured credential cannot be loaded.
	ErrConfig = errors.New("invalid token provider configuration")

	// ErrUnsupportedScope is returned when the authority rejects the scope.
	ErrUnsupportedScope = errors.New(`Invalid scope. The scope has to be in the form "https://resourceurl/.default"`)

	// ErrTokenAcquisition is the parent of every other acquisition failure.
	ErrTokenAcquisition = errors.New("token acquisition failed")
)

// AcquisitionError carries the error code and description reported by the
// authority.
type AcquisitionError struct {
	Code        string
	Description string
	Err         error
}

func (e *AcquisitionError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Code != "":
		return e.Code
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", ErrTokenAcquisition, e.Err)
	default:
		return ErrTokenAcquisition.Error()
	}
}

func (e *AcquisitionError) Is(target error) bool {
	return target == ErrTokenAcquisition
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
