package services

import "errors"

var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidation         = errors.New("invalid message body")
	ErrNotFound           = errors.New("not found")
	ErrChannelUnavailable = errors.New("chat channel unavailable")
)
