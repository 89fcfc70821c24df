package container

import "errors"

// Sentinel errors for handler resolution.
var (
	ErrNotFound      = errors.New("handler not registered")
	ErrAlreadyExists = errors.New("handler already registered")
	ErrEmptyKey      = errors.New("handler key is empty")
	ErrTypeMismatch  = errors.New("resolved handler has unexpected type")
)
