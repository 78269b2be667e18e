package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a conversion failure. Kinds, messages and suggestions
// are stable across runs so clients can localize on them.
type ErrorKind string

const (
	KindInvalidURL           ErrorKind = "INVALID_URL"
	KindUnsupportedPlatform  ErrorKind = "UNSUPPORTED_PLATFORM"
	KindUnsupportedFormat    ErrorKind = "UNSUPPORTED_FORMAT"
	KindVideoTooLong         ErrorKind = "VIDEO_TOO_LONG"
	KindVideoNotFound        ErrorKind = "VIDEO_NOT_FOUND"
	KindPlatformBotBlocked   ErrorKind = "PLATFORM_BOT_BLOCKED"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
	KindNetworkTimeout       ErrorKind = "NETWORK_TIMEOUT"
	KindProcessorUnavailable ErrorKind = "PROCESSOR_UNAVAILABLE"
	KindStorageWriteFailed   ErrorKind = "STORAGE_WRITE_FAILED"
	KindStorageReadFailed    ErrorKind = "STORAGE_READ_FAILED"
	KindCapacityExceeded     ErrorKind = "CAPACITY_EXCEEDED"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindStuckRecoveryFailed  ErrorKind = "STUCK_RECOVERY_FAILED"
	KindCancelled            ErrorKind = "CANCELLED"
	KindInternal             ErrorKind = "INTERNAL"
)

// ConversionError is the structured error stored on a failed job and
// surfaced through the status API and the push channel.
type ConversionError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	Suggestion string    `json:"suggestion,omitempty"`
	// RetryAfter is honored when the processor supplied one (RATE_LIMITED).
	RetryAfter time.Duration `json:"-"`
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// kindInfo holds the stable user-visible text per kind.
type kindInfo struct {
	message    string
	retryable  bool
	suggestion string
}

var kinds = map[ErrorKind]kindInfo{
	KindInvalidURL:           {"the provided URL is not a valid video URL", false, "check the URL and try again"},
	KindUnsupportedPlatform:  {"this platform is not supported", false, "see /platforms for the supported list"},
	KindUnsupportedFormat:    {"the requested format or quality is not supported", false, "see /platforms for valid format and quality options"},
	KindVideoTooLong:         {"the video exceeds the maximum supported duration", false, "choose a shorter video"},
	KindVideoNotFound:        {"the video could not be found or is private", false, "verify the video is public and still available"},
	KindPlatformBotBlocked:   {"the platform temporarily blocked automated access", true, "wait a few minutes and try again"},
	KindRateLimited:          {"the platform is rate limiting requests", true, "try again shortly"},
	KindNetworkTimeout:       {"a network operation timed out", true, "try again"},
	KindProcessorUnavailable: {"the conversion backend is unavailable", true, "try again shortly"},
	KindStorageWriteFailed:   {"storing the converted file failed", true, "try again"},
	KindStorageReadFailed:    {"reading the converted file failed", true, "try again"},
	KindCapacityExceeded:     {"the service is at capacity", true, "try again in a moment"},
	KindTimeout:              {"the conversion took too long and was aborted", true, "try again"},
	KindStuckRecoveryFailed:  {"the conversion stalled and could not be recovered", true, "submit the conversion again"},
	KindCancelled:            {"the conversion was cancelled", false, ""},
	KindInternal:             {"service temporarily unavailable", true, "try again shortly"},
}

// NewError builds the canonical ConversionError for a kind.
func NewError(kind ErrorKind) *ConversionError {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternal]
		kind = KindInternal
	}
	return &ConversionError{Kind: kind, Message: info.message, Retryable: info.retryable, Suggestion: info.suggestion}
}

// Classify maps any error raised during a pipeline stage to a single
// ConversionError. All raise sites go through here; ad-hoc tagging at call
// sites is deliberately impossible.
func Classify(err error) *ConversionError {
	if err == nil {
		return nil
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(KindCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindNetworkTimeout)
	case errors.Is(err, ErrStorageUnavailable):
		return NewError(KindStorageWriteFailed)
	case errors.Is(err, ErrCapacityExceeded):
		return NewError(KindCapacityExceeded)
	case errors.Is(err, ErrInvalidArgument):
		return NewError(KindInvalidURL)
	}
	return NewError(KindInternal)
}

// RetryPolicy describes the per-kind retry schedule used by the pipeline.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Retryable reports whether the policy admits another attempt.
func (p RetryPolicy) Retryable() bool { return p.MaxAttempts > 0 }

// retryPolicies is the canonical per-kind schedule. Kinds absent here are
// fatal (zero attempts).
var retryPolicies = map[ErrorKind]RetryPolicy{
	KindPlatformBotBlocked:   {MaxAttempts: 3, InitialDelay: 5 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0},
	KindNetworkTimeout:       {MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0},
	KindProcessorUnavailable: {MaxAttempts: 5, InitialDelay: 1 * time.Second, MaxDelay: 20 * time.Second, Multiplier: 2.0},
	KindRateLimited:          {MaxAttempts: 4, InitialDelay: 10 * time.Second, MaxDelay: 40 * time.Second, Multiplier: 2.0},
	KindStorageWriteFailed:   {MaxAttempts: 3, InitialDelay: 1 * time.Second, MaxDelay: 8 * time.Second, Multiplier: 2.0},
	KindInternal:             {MaxAttempts: 2, InitialDelay: 2 * time.Second, MaxDelay: 8 * time.Second, Multiplier: 2.0},
}

// PolicyFor returns the retry policy for a kind; the zero policy means the
// kind is fatal.
func PolicyFor(kind ErrorKind) RetryPolicy { return retryPolicies[kind] }
