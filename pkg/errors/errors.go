package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Standardized risk engine errors
var (
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("timeout")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrServerError          = errors.New("server error")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrValidation           = errors.New("validation failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrDuplicateInFlight    = errors.New("duplicate operation in flight")
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrInvalidEvent         = errors.New("invalid event")
)

// StatusError is returned by remote calls that answered with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the matching sentinel.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimitExceeded
	case e.StatusCode == http.StatusServiceUnavailable, e.StatusCode == http.StatusBadGateway:
		return ErrServiceUnavailable
	case e.StatusCode == http.StatusGatewayTimeout, e.StatusCode == http.StatusRequestTimeout:
		return ErrTimeout
	case e.StatusCode >= 500:
		return ErrServerError
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return ErrAuthenticationFailed
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 400:
		return ErrValidation
	}
	return nil
}

var terminalSentinels = []error{
	ErrValidation,
	ErrAuthenticationFailed,
	ErrNotFound,
	ErrDuplicateInFlight,
	ErrInvalidEvent,
	context.Canceled,
}

var transientSentinels = []error{
	ErrNetwork,
	ErrTimeout,
	ErrRateLimitExceeded,
	ErrServerError,
	ErrServiceUnavailable,
	context.DeadlineExceeded,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
}

// Terminal fragments win over transient ones: "invalid timeout value" is not retryable.
var terminalFragments = []string{
	"invalid",
	"unauthorized",
	"forbidden",
	"not found",
	"insufficient",
}

var transientFragments = []string{
	"econnrefused",
	"econnreset",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"network",
	"rate limit",
	"too many requests",
	"service unavailable",
	"bad gateway",
	"temporarily unavailable",
	"503",
	"504",
	"429",
}

// IsTransient reports whether err is worth retrying.
// Unknown errors are treated as terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range terminalSentinels {
		if errors.Is(err, target) {
			return false
		}
	}
	for _, target := range transientSentinels {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range terminalFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsDuplicateInFlight reports whether err signals a concurrent execution of the same key.
func IsDuplicateInFlight(err error) bool {
	return errors.Is(err, ErrDuplicateInFlight)
}
