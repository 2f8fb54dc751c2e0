// Package gateerr defines the error taxonomy shared by the process and network
// paths of the gateway. Every typed error unwraps to one of the sentinels
// below, so callers can use errors.Is for the category and errors.As for the
// details.
package gateerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Use errors.Is to check for them.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrAuthorization    = errors.New("not authorized")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrTimeout          = errors.New("timed out")
	ErrSpawn            = errors.New("failed to start process")
	ErrFailure          = errors.New("command failed")
	ErrScheme           = errors.New("unsupported URL scheme")
	ErrHTTP             = errors.New("unexpected HTTP status")
	ErrRedirectLimit    = errors.New("too many redirects")
	ErrResponseTooLarge = errors.New("response too large")
)

// ConfigurationError reports a missing or empty allow-list.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfiguration.Error(), e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Configuration returns a ConfigurationError with a formatted reason.
func Configuration(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError is returned when a command or host is not on the
// allow-list, or when the command is empty.
type AuthorizationError struct {
	// Subject is the command path or hostname that was rejected. It may be
	// empty (e.g. for an empty command).
	Subject string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", ErrAuthorization.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %q", ErrAuthorization.Error(), e.Reason, e.Subject)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// IntegrityError is returned when an executable's identity changed between
// the time it was checked and the time it was used.
type IntegrityError struct {
	Path   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: executable %q changed during execution: %s", ErrIntegrity.Error(), e.Path, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// TimeoutError is returned when a process exceeded its time budget. Blocking
// and async calls only return it when nothing was written to stderr; a
// stream ends with it either way, carrying the stderr text if there was any.
type TimeoutError struct {
	Command []string
	Timeout time.Duration
	Stderr  string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s after %s running %q", ErrTimeout.Error(), e.Timeout, strings.Join(e.Command, " "))
	return withStderr(msg, e.Stderr)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// SpawnError is returned when the operating system failed to start the process.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrSpawn.Error(), strings.Join(e.Command, " "), e.Err)
}

// Unwrap exposes both the sentinel and the underlying OS error.
func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }

// FailureError is returned when a process exits nonzero. Like TimeoutError,
// Stderr is only set when a stream ends with it.
type FailureError struct {
	Command  []string
	ExitCode int
	Stderr   string
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", ErrFailure.Error(), strings.Join(e.Command, " "), e.ExitCode)
	return withStderr(msg, e.Stderr)
}

func (e *FailureError) Unwrap() error { return ErrFailure }

func withStderr(msg, stderr string) string {
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return msg + ": " + stderr
	}
	return msg
}

// SchemeError is returned for any URL whose scheme is not https.
type SchemeError struct {
	URL string
}

func (e *SchemeError) Error() string {
	return fmt.Sprintf("%s: %q (only https is allowed)", ErrScheme.Error(), e.URL)
}

func (e *SchemeError) Unwrap() error { return ErrScheme }

// HTTPError is returned for a non-2xx final response. Body holds a truncated
// prefix of the response body for diagnostics.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %d from %s", ErrHTTP.Error(), e.StatusCode, e.URL)
	}
	return fmt.Sprintf("%s %d from %s: %s", ErrHTTP.Error(), e.StatusCode, e.URL, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

// RedirectLimitError is returned when the redirect hop budget is exhausted.
type RedirectLimitError struct {
	URL   string
	Limit int
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("%s: more than %d hops fetching %s", ErrRedirectLimit.Error(), e.Limit, e.URL)
}

func (e *RedirectLimitError) Unwrap() error { return ErrRedirectLimit }

// ResponseTooLargeError is returned as soon as a response body exceeds the
// configured ceiling.
type ResponseTooLargeError struct {
	URL   string
	Limit int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("%s: %s exceeds %d bytes", ErrResponseTooLarge.Error(), e.URL, e.Limit)
}

func (e *ResponseTooLargeError) Unwrap() error { return ErrResponseTooLarge }
