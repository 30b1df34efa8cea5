package domain

import "errors"

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidDirection = errors.New("invalid_direction")
	ErrInvalidDuration  = errors.New("invalid_duration")
	ErrUnknownNumber    = errors.New("unknown_number")
)
