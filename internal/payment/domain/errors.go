package domain

import "errors"

var (
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrEventIgnored     = errors.New("event_ignored")
)
