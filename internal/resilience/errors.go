package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed call for retry and circuit accounting.
type ErrorKind string

const (
	// KindTransient covers network failures, rate limits, and 5xx responses.
	// Counted by the breaker and eligible for retry.
	KindTransient ErrorKind = "transient"
	// KindTimeout is a transient failure caused by a deadline.
	KindTimeout ErrorKind = "timeout"
	// KindPermanent covers invalid input, not-found, and validation
	// failures. Never retried, never counted by the breaker.
	KindPermanent ErrorKind = "permanent"
	// KindConfiguration covers missing credentials or disabled features.
	// Short-circuited before any network call.
	KindConfiguration ErrorKind = "configuration"
	// KindInternal is a programming error surfaced as a hard failure.
	KindInternal ErrorKind = "internal"
	// KindCircuitOpen marks a fail-fast fallback from an open circuit.
	KindCircuitOpen ErrorKind = "circuit_open"
)

// Retryable reports whether a task that failed with this kind may be re-run.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps an error caused by the request itself (bad input,
// no match). Retrying it cannot succeed.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// ConfigError reports a missing or disabled configuration for a provider.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Provider + ": " + e.Reason
}

// NewConfigError returns a configuration error for provider.
func NewConfigError(provider, reason string) *ConfigError {
	return &ConfigError{Provider: provider, Reason: reason}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsConfiguration reports whether err is a ConfigError.
func IsConfiguration(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Classify maps err onto the error taxonomy. Unrecognized errors from a
// provider are treated as transient: they count toward opening the circuit
// and may be retried.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case IsConfiguration(err):
		return KindConfiguration
	case IsPermanent(err):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTransient
	}
}

// countsAsFailure reports whether err should be counted by the breaker.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err) && !IsConfiguration(err)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
