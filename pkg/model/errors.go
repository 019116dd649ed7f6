package model

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation failed")

// ValidationError names the request field that was missing or invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s required", e.Field)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Required(field string) error {
	return &ValidationError{Field: field}
}
