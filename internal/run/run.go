// Package run wraps external tool invocations in a result type so callers
// can classify non-zero exits instead of aborting on them.
package run

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result captures what an external tool did.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
}

// Failed reports whether the tool exited non-zero.
func (r Result) Failed() bool { return r.ExitCode != 0 }

// OutputTail returns up to n trailing lines of the captured output, for
// inclusion in error reports.
func (r Result) OutputTail(n int) string {
	lines := strings.Split(strings.TrimRight(r.Output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Command runs name with args and captures its combined output. A non-zero
// exit is reported in the Result, not as an error; the error return is
// reserved for failures to launch or deliver the process at all.
func Command(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	result := Result{Output: string(out)}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", name, err)
	}
	return result, nil
}

// MustSucceed runs the command and converts a non-zero exit into an error
// carrying the output tail. For boundaries where any failure is fatal.
func MustSucceed(ctx context.Context, name string, args ...string) (Result, error) {
	result, err := Command(ctx, name, args...)
	if err != nil {
		return result, err
	}
	if result.Failed() {
		return result, fmt.Errorf("%s exited with status %d: %s", name, result.ExitCode, result.OutputTail(20))
	}
	return result, nil
}
