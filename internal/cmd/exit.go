package cmd

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode returns the exit code carried by err, 1 for other errors and 0
// for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
