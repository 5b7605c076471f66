package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Code is the stable, user-visible error identifier.
type Code string

// Error codes surfaced to callers.
const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeAdmissionDenied Code = "ADMISSION_DENIED"
	CodeResourceBusy    Code = "RESOURCE_BUSY"
	CodeFetchBlocked    Code = "FETCH_BLOCKED"
	CodeFetchFailed     Code = "FETCH_FAILED"
	CodeNoResults       Code = "NO_RESULTS"
	CodeTierUnavailable Code = "CACHE_TIER_UNAVAILABLE"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternal        Code = "INTERNAL"
)

// Error carries a stable code plus a caller-safe message. Err holds the
// internal cause and is never rendered to clients.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Validation reports a malformed query or pagination request.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Unauthorized reports an unknown API key.
func Unauthorized() *Error {
	return &Error{Code: CodeUnauthorized, Message: "invalid api key"}
}

// AdmissionDenied reports a rate or concurrency rejection.
func AdmissionDenied(reason string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeAdmissionDenied, Message: reason, RetryAfter: retryAfter}
}

// ResourceBusy reports that another caller held the key for the whole wait.
func ResourceBusy(key Key, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeResourceBusy,
		Message:    fmt.Sprintf("results for %q page %d are being fetched, retry later", key.Query, key.Page),
		RetryAfter: retryAfter,
	}
}

// FetchBlocked reports that the upstream defenses rejected every attempt.
func FetchBlocked(err error, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeFetchBlocked,
		Message:    "upstream temporarily unavailable",
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// FetchFailed reports a fetch that failed after exhausting retries.
func FetchFailed(err error) *Error {
	return &Error{Code: CodeFetchFailed, Message: "failed to fetch results", Err: err}
}

// NoResults reports a successful fetch that produced zero records.
func NoResults(key Key) *Error {
	return &Error{Code: CodeNoResults, Message: fmt.Sprintf("no results for %q", key.Query)}
}

// TierUnavailable reports a cache tier outage.
func TierUnavailable(tier string, err error) *Error {
	return &Error{Code: CodeTierUnavailable, Message: tier + " cache unavailable", Err: err}
}

// NotFound reports an unknown resource.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// Internal wraps unexpected failures behind a generic message.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// AsError converts err into an *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internal(err)
}

// Retryable reports whether a job that failed with err may be attempted again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeUnauthorized, CodeNoResults, CodeNotFound:
		return false
	default:
		return true
	}
}

// FetchKind classifies Fetcher failures.
type FetchKind string

// Fetcher failure kinds.
const (
	FetchKindBlocked FetchKind = "blocked"
	FetchKindNetwork FetchKind = "network"
	FetchKindEmpty   FetchKind = "empty"
)

// FetchError is the typed failure returned by Fetcher implementations.
type FetchError struct {
	Kind   FetchKind
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	msg := "fetch " + string(e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsBlocked reports whether err, or any error it wraps or joins, is a blocked
// fetch.
func IsBlocked(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *FetchError:
		return e.Kind == FetchKindBlocked || IsBlocked(e.Err)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsBlocked(inner) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsBlocked(e.Unwrap())
	default:
		return false
	}
}
