package gateerr

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"configuration", Configuration("host allow-list is empty"), ErrConfiguration},
		{"authorization", &AuthorizationError{Subject: "/bin/rm", Reason: "command not permitted"}, ErrAuthorization},
		{"integrity", &IntegrityError{Path: "/bin/echo", Detail: "inode changed"}, ErrIntegrity},
		{"timeout", &TimeoutError{Command: []string{"sleep", "5"}, Timeout: time.Second}, ErrTimeout},
		{"spawn", &SpawnError{Command: []string{"x"}, Err: os.ErrPermission}, ErrSpawn},
		{"failure", &FailureError{Command: []string{"false"}, ExitCode: 1}, ErrFailure},
		{"scheme", &SchemeError{URL: "http://a.test/"}, ErrScheme},
		{"http", &HTTPError{StatusCode: 404, URL: "https://a.test/"}, ErrHTTP},
		{"redirect", &RedirectLimitError{URL: "https://a.test/", Limit: 5}, ErrRedirectLimit},
		{"too large", &ResponseTooLargeError{URL: "https://a.test/", Limit: 10}, ErrResponseTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
			if !strings.HasPrefix(tt.err.Error(), tt.sentinel.Error()) {
				t.Errorf("Error() = %q, want prefix %q", tt.err.Error(), tt.sentinel.Error())
			}
		})
	}
}

func TestSpawnErrorUnwrapsCause(t *testing.T) {
	err := &SpawnError{Command: []string{"x"}, Err: os.ErrPermission}
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected SpawnError to unwrap to the OS error")
	}
}

func TestFailureErrorNamesCommandAndCode(t *testing.T) {
	err := &FailureError{Command: []string{"/bin/false"}, ExitCode: 1}
	msg := err.Error()
	if !strings.Contains(msg, "/bin/false") || !strings.Contains(msg, "code 1") {
		t.Fatalf("unexpected message: %q", msg)
	}

	var fe *FailureError
	if !errors.As(error(err), &fe) || fe.ExitCode != 1 {
		t.Fatalf("errors.As did not recover FailureError: %#v", fe)
	}
}

func TestProcessErrorsAppendStderr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"failure", &FailureError{Command: []string{"sh"}, ExitCode: 3, Stderr: "boom\n"}, `command failed: "sh" exited with code 3: boom`},
		{"failure blank stderr", &FailureError{Command: []string{"sh"}, ExitCode: 3, Stderr: " \n"}, `command failed: "sh" exited with code 3`},
		{"timeout", &TimeoutError{Command: []string{"sh"}, Timeout: time.Second, Stderr: "slow"}, `timed out after 1s running "sh": slow`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Fatalf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthorizationErrorWithoutSubject(t *testing.T) {
	err := &AuthorizationError{Reason: "empty command"}
	if got, want := err.Error(), "not authorized: empty command"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
