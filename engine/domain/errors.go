package domain

import (
	"errors"
	"fmt"
)

// Validation and lifecycle errors.
var (
	ErrInvalidPage       = errors.New("invalid page")
	ErrInvalidJob        = errors.New("invalid job")
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrDuplicateAttempt  = errors.New("duplicate search attempt")
	ErrPageBusy          = errors.New("page already searching")
	ErrSearchConflict    = errors.New("search already terminal")
)

// Generation errors.
var (
	// ErrInvalidGeneration means a model reply lacked the expected field.
	ErrInvalidGeneration = errors.New("invalid generation response")
	// ErrMalformedCompletion means a model reply was not valid JSON.
	ErrMalformedCompletion = errors.New("malformed completion")
)

// Provider error kinds.
var (
	ErrCredentialMissing  = errors.New("provider credentials missing")
	ErrCredentialRejected = errors.New("provider credentials rejected")
	ErrRateLimited        = errors.New("provider rate limited")
	ErrMalformedResponse  = errors.New("provider response malformed")
	ErrNetwork            = errors.New("provider network failure")
	// ErrBackendExhausted wraps a first-page failure that ends an attempt.
	ErrBackendExhausted = errors.New("backend exhausted")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ProviderError describes a failed provider call. Kind is one of the
// provider error sentinels.
type ProviderError struct {
	Platform Platform
	Op       string
	Status   int
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewProviderError creates a ProviderError.
func NewProviderError(p Platform, op string, status int, kind, err error) *ProviderError {
	return &ProviderError{Platform: p, Op: op, Status: status, Kind: kind, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// IsPermanentProvider reports whether err is a provider failure that should
// count as a zero-result attempt instead of aborting the session.
func IsPermanentProvider(err error) bool {
	return errors.Is(err, ErrCredentialMissing) ||
		errors.Is(err, ErrCredentialRejected) ||
		errors.Is(err, ErrMalformedResponse)
}

// ErrorClass names the taxonomy class of err for logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, ErrCredentialRejected):
		return "credential_rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrInvalidGeneration), errors.Is(err, ErrMalformedCompletion):
		return "generation"
	default:
		return fmt.Sprintf("%T", err)
	}
}
