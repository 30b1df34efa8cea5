package domain

import "errors"

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidPhoneNumber = errors.New("invalid_phone_number")
	ErrRentalNotFound     = errors.New("rental_not_found")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrReservationExpired = errors.New("reservation_expired")
	ErrNumberTaken        = errors.New("number_taken")
)
