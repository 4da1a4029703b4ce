package security

import (
	"errors"
	"fmt"
)

// Validation failure kinds. Match them with errors.Is.
var (
	ErrEmptyCode           = errors.New("code is empty")
	ErrCodeTooLarge        = errors.New("code too large")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrBlockedPattern      = errors.New("blocked pattern")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidDependency   = errors.New("invalid dependency")
)

// ValidationError describes why a request was refused. Class is set for
// blocked patterns only.
type ValidationError struct {
	Kind    error
	Class   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func invalid(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
