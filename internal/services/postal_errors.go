package services

import (
	"errors"
	"fmt"
)

var (
	// ErrPostalCodeNotFound indicates no lookup tier produced a usable address.
	ErrPostalCodeNotFound = errors.New("postal: postal code not found")
	// ErrPostalCodeInvalid indicates the input is not an 8-digit postal code. It is also a not-found error.
	ErrPostalCodeInvalid = fmt.Errorf("%w: invalid format", ErrPostalCodeNotFound)

	errNoProviderResult = errors.New("postal: no usable provider result")
)
