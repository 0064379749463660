package domain

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyTerminal   = errors.New("job already terminal")
)
