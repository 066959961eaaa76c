package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when a request carries no credential at all.
	ErrMissingToken = errors.New("missing token")

	// ErrIssueUnsupported is returned by Issue when the manager only holds a public key.
	ErrIssueUnsupported = errors.New("token issuance not configured")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
