package models

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation error")

// ValidationError reports a required field missing from an inbound event or request body.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %q is required", ErrValidation, e.Field)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
