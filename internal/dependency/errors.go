package dependency

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a command killed because its timeout elapsed.
var ErrTimeout = errors.New("command execution timeout")

// maxStderrInError bounds how much stderr is copied into error messages.
const maxStderrInError = 512

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if tail := tailString(strings.TrimSpace(e.Stderr), maxStderrInError); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// NetworkError reports that the toolkit service could not be reached.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("toolkit service %s failed (network error): %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError is a non-success HTTP answer from the toolkit service.
type RemoteError struct {
	StatusCode int
	Kind       string
	Details    []string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("toolkit service returned HTTP %d", e.StatusCode)
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	return msg
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsExitError reports whether err is a non-zero exit.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// IsNetworkError reports whether err means the toolkit service is unreachable.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "no such host")
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
