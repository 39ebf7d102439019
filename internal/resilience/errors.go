package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/listing-cli/internal/model"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps an error that must never be retried (4xx client
// errors, dead parcels, malformed keys).
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as permanent with an optional HTTP
// status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a rejection by the governor that a later pass may clear
// (open circuit, systemic skip), or matches common transient network
// failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Governor rejections clear on their own; resume retries them.
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrSystemicFailure) {
		return true
	}

	// Phase timeouts and interrupts are transient by policy: a cancelled
	// run leaves its phases eligible for the next resume.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

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

// IsPermanent returns true if the error chain carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify maps an error to the persisted error category. Unclassified
// errors are Unknown and treated conservatively as non-retryable.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsPermanent(err):
		return model.CategoryPermanent
	case IsTransient(err):
		return model.CategoryTransient
	default:
		return model.CategoryUnknown
	}
}

// IsTransientHTTPStatus returns true for status codes that indicate a
// transient server-side issue safe to retry.
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

// IsPermanentHTTPStatus returns true for client-error status codes that
// will never succeed on retry.
func IsPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 400, 401, 403, 404, 405, 410, 422:
		return true
	default:
		return false
	}
}

// WrapHTTPStatus classifies an error by its HTTP status code, leaving
// unrecognized codes unwrapped (Unknown).
func WrapHTTPStatus(err error, statusCode int) error {
	switch {
	case err == nil:
		return nil
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	case IsPermanentHTTPStatus(statusCode):
		return NewPermanentError(err, statusCode)
	default:
		return err
	}
}
