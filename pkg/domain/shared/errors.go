// Package shared holds identifiers and sentinel errors used across domains.
package shared

import "errors"

// Sentinel errors. Wrap them with fmt.Errorf("%w: ...") to add detail.
var (
	// ErrInvalidInput marks a value that cannot be parsed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidation marks a well-formed value that breaks a domain rule.
	ErrValidation = errors.New("validation error")

	// ErrClosed is returned by components that no longer accept work.
	ErrClosed = errors.New("closed")
)
