package service

import "errors"

var (
	// ErrInvalidState means the payment status does not allow the operation.
	ErrInvalidState = errors.New("invalid payment state")
	// ErrInvalidConfiguration means the gateway cannot serve the operation.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrMissingParameter means a required value could not be found or recovered.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrInvalidParameter means a supplied value could not be used.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrServiceInvariant is a programming error and is never swallowed.
	ErrServiceInvariant = errors.New("service invariant violated")
)
