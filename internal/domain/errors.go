package domain

import "errors"

var (
	// ErrNotFound is returned when a scan id is unknown.
	ErrNotFound = errors.New("scan not found")
	// ErrDuplicateID is returned when a scan with the same id already exists.
	ErrDuplicateID = errors.New("duplicate scan id")
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyTerminal is returned when a finished scan would be finished
	// again with a different outcome.
	ErrAlreadyTerminal = errors.New("scan already in a terminal state")
)
