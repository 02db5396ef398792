package errors

import "errors"

// Flow errors.
var (
	ErrConfiguration      = errors.New("invalid configuration")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrExchangeInProgress = errors.New("exchange already in progress")
	ErrUnauthenticated    = errors.New("no active session")
)

// Relay/transport errors.
var (
	ErrTransport       = errors.New("relay request failed")
	ErrRelayValidation = errors.New("relay rejected request")
)

// Caller identity errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)
