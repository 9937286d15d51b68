package storage

import (
	"errors"
	"fmt"
)

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrChannelNotFound is returned when a channel has no backing table.
	// Queries never create storage implicitly.
	ErrChannelNotFound = fmt.Errorf("channel %w", ErrNotFound)

	// ErrAlreadyExists is returned by strict creation when the channel exists.
	ErrAlreadyExists = errors.New("channel already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
