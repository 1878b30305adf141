package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindBinaryNotFound Kind = "binary_not_found"
	KindTimeout        Kind = "timeout"
	KindCommandFailed  Kind = "command_failed"
	KindEmptyOutput    Kind = "empty_output"
)

// CommandError is the only error type returned by Runner.Run.
//
// Detail carries the human-readable reason (stderr for KindCommandFailed)
// and is what ends up in "data unavailable: <reason>" placeholders.
type CommandError struct {
	Kind     Kind
	Command  string
	Detail   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Command, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" when err is not a CommandError.
func KindOf(err error) Kind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a CommandError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Reason returns a short user-facing reason for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindBinaryNotFound:
			return ce.Command + " binary not found in standard locations"
		case KindTimeout:
			return ce.Command + " command timed out"
		case KindEmptyOutput:
			return ce.Command + " returned empty output"
		default:
			if ce.Detail != "" {
				return ce.Command + " failed: " + ce.Detail
			}
			return ce.Command + " failed"
		}
	}
	return err.Error()
}
