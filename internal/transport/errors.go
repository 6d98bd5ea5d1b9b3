package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Category buckets every transport failure into the engine's error taxonomy.
// Nothing crosses the engine boundary unclassified.
type Category string

const (
	// CategoryTransient covers network failures and server-side errors worth
	// retrying with backoff.
	CategoryTransient Category = "transient"
	// CategoryAuth covers authentication failures: fatal for the mutation,
	// surfaced, never auto-retried.
	CategoryAuth Category = "auth"
	// CategoryValidation covers malformed payloads the server rejects;
	// retrying cannot succeed.
	CategoryValidation Category = "validation"
)

// Error is a classified transport failure.
type Error struct {
	Category Category
	Op       string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Category, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to a failure category.
func classifyStatus(status int) Category {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CategoryValidation
	default:
		// Timeouts, rate limits, and 5xx all retry.
		return CategoryTransient
	}
}

// CategoryOf returns the category of a classified error, defaulting to
// transient for anything unrecognised (a safe default: it keeps the mutation).
func CategoryOf(err error) Category {
	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryTransient
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool { return CategoryOf(err) == CategoryAuth }

// IsValidation reports whether the error is a validation failure.
func IsValidation(err error) bool { return CategoryOf(err) == CategoryValidation }

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool { return CategoryOf(err) == CategoryTransient }
