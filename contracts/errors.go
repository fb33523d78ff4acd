package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload is matched by every ValidationError
var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError describes the first payload field that failed validation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidPayload
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}
