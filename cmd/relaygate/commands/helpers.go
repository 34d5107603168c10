package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// pendingExitCode carries a non-error exit code (audit findings) from a
// command back to main without abusing error values.
var pendingExitCode int

// SetExitCode records the process exit code for a command that completed
// without an error but must exit non-zero.
func SetExitCode(code int) { pendingExitCode = code }

// TakeExitCode returns the recorded exit code.
func TakeExitCode() int { return pendingExitCode }

// exitCodeError wraps an error with a specific process exit code.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

// withExitCode attaches an exit code to err.
func withExitCode(code int, err error) error {
	return exitCodeError{code: code, err: err}
}

// ExitCodeFor extracts an attached exit code, 0 when none.
func ExitCodeFor(err error) int {
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 0
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a y/N question on the terminal; non-interactive runs refuse
// unless the command passed --yes.
func confirm(prompt string, yes, nonInteractive bool) (bool, error) {
	if yes {
		return true, nil
	}
	if nonInteractive {
		return false, fmt.Errorf("refusing to proceed without --yes in non-interactive mode")
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes", nil
}
