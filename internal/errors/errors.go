// Package errors defines the structured error taxonomy shared by the systemd,
// journal, task and unit file layers.
//
// Every failure surfaced by the client is an *Error carrying a Kind that
// callers branch on, plus the typed context for that kind (which unit, which
// action, which backend). Embedded raw text such as subprocess stderr or a
// malformed journal line is always capped with TruncateUTF8.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies an Error.
type Kind string

const (
	// KindInvalidInput is a local validation failure; no remote call was made.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindPermissionDenied is a policy, filesystem or journal access denial.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindUnitNotFound means the service manager does not know the unit.
	KindUnitNotFound Kind = "UNIT_NOT_FOUND"
	// KindJobTimeout means a job wait ran out of time. The job may still complete.
	KindJobTimeout Kind = "JOB_TIMEOUT"
	// KindTimeout is a generic action timeout.
	KindTimeout Kind = "TIMEOUT"
	// KindBackendUnavailable means a backend is missing, disabled or lacks an option.
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindDBus is the fallback bucket for protocol errors that could not be classified.
	KindDBus Kind = "DBUS_ERROR"
	// KindIO is a local I/O failure.
	KindIO Kind = "IO_ERROR"
	// KindParse is a malformed backend record.
	KindParse Kind = "PARSE_ERROR"
	// KindProcess is a subprocess that exited unsuccessfully.
	KindProcess Kind = "PROCESS_ERROR"
)

const (
	// MaxSampleBytes caps the input sample carried by parse errors.
	MaxSampleBytes = 512
	// MaxStderrBytes caps the stderr excerpt carried by process errors.
	MaxStderrBytes = 8 * 1024
)

// Error is the structured error returned by every layer of the client.
// Only the fields relevant to Kind are populated.
type Error struct {
	Kind    Kind
	Message string

	Action  string
	Unit    string
	Backend string
	Detail  string
	Timeout time.Duration

	// DBus
	Name string

	// Parse
	Sample string

	// Process
	Command  string
	ExitCode *int
	Stderr   string

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindInvalidInput:
		msg = fmt.Sprintf("invalid input: %s", e.Message)
	case KindPermissionDenied:
		msg = fmt.Sprintf("permission denied (%s): %s", e.Action, e.Detail)
	case KindUnitNotFound:
		msg = fmt.Sprintf("unit not found: %s", e.Unit)
	case KindJobTimeout:
		msg = fmt.Sprintf("job for %s did not finish within %s", e.Unit, e.Timeout)
	case KindTimeout:
		msg = fmt.Sprintf("%s timed out after %s", e.Action, e.Timeout)
	case KindBackendUnavailable:
		msg = fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Detail)
	case KindDBus:
		msg = fmt.Sprintf("dbus error %s: %s", e.Name, e.Message)
	case KindParse:
		msg = fmt.Sprintf("failed to parse %s: %s (sample %q)", e.Detail, e.Message, e.Sample)
	case KindProcess:
		code := "signal"
		if e.ExitCode != nil {
			code = fmt.Sprintf("exit code %d", *e.ExitCode)
		}
		msg = fmt.Sprintf("%s failed (%s): %s", e.Command, code, strings.TrimSpace(e.Stderr))
	default:
		msg = e.Message
	}

	if e.Cause != nil && e.Kind != KindDBus {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidInput reports a local validation failure.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied reports an access denial for action.
func PermissionDenied(action, detail string) *Error {
	return &Error{Kind: KindPermissionDenied, Action: action, Detail: detail}
}

// UnitNotFound reports an unknown unit.
func UnitNotFound(unit string) *Error {
	return &Error{Kind: KindUnitNotFound, Unit: unit}
}

// JobTimeout reports a job wait that exceeded timeout.
func JobTimeout(unit string, timeout time.Duration) *Error {
	return &Error{Kind: KindJobTimeout, Unit: unit, Timeout: timeout}
}

// Timeout reports an action that exceeded timeout.
func Timeout(action string, timeout time.Duration) *Error {
	return &Error{Kind: KindTimeout, Action: action, Timeout: timeout}
}

// BackendUnavailable reports a missing or unusable backend.
func BackendUnavailable(backend, detail string) *Error {
	return &Error{Kind: KindBackendUnavailable, Backend: backend, Detail: detail}
}

// DBus wraps an unclassified protocol error, keeping its raw name and message.
func DBus(name, message string, cause error) *Error {
	return &Error{Kind: KindDBus, Name: name, Message: message, Cause: cause}
}

// IO wraps a local I/O failure with a context string.
func IO(context string, cause error) *Error {
	return &Error{Kind: KindIO, Message: context, Cause: cause}
}

// Parse reports a malformed record. The sample is capped at MaxSampleBytes.
func Parse(context, message string, sample []byte) *Error {
	s, _ := TruncateUTF8(string(sample), MaxSampleBytes)
	return &Error{Kind: KindParse, Detail: context, Message: message, Sample: s}
}

// Process reports a failed subprocess. The stderr excerpt is capped at MaxStderrBytes.
func Process(command string, exitCode *int, stderr string) *Error {
	s, _ := TruncateUTF8(stderr, MaxStderrBytes)
	return &Error{Kind: KindProcess, Command: command, ExitCode: exitCode, Stderr: s}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// TruncateUTF8 cuts s to at most max bytes without splitting a rune.
// The second result reports whether anything was removed.
func TruncateUTF8(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	if max <= 0 {
		return "", true
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end], true
}
