package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryDecode         Category = "decode"
	CategoryValidation     Category = "validation"
	CategoryAuth           Category = "auth"
	CategoryUnknownSession Category = "unknown-session"
	CategoryRepository     Category = "repository"
	CategoryConfig         Category = "config"
)

// RelayError is a structured error with a registered code and category.
type RelayError struct {
	// Code is a unique error identifier (e.g., "R001").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *RelayError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a RelayError with the same code.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithDetail adds a detailed explanation to the error.
func (e *RelayError) WithDetail(d string) *RelayError {
	e.Detail = d
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *RelayError) WithSuggestion(s string) *RelayError {
	e.Suggestion = s
	return e
}

// Wrap wraps another error.
func (e *RelayError) Wrap(err error) *RelayError {
	e.Wrapped = err
	return e
}

// New creates a RelayError from a registered error code.
func New(code string) *RelayError {
	template, ok := registry[code]
	if !ok {
		return &RelayError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &RelayError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
	}
}

// CategoryOf returns the category of the first RelayError in err's chain,
// or "" when there is none.
func CategoryOf(err error) Category {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Category
	}
	return ""
}

// IsCategory reports whether err carries a RelayError of the given category.
func IsCategory(err error, c Category) bool {
	return err != nil && CategoryOf(err) == c
}
