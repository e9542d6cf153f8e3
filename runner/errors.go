package runner

import (
	"fmt"
	"strings"

	"github.com/snev68/cubicle/names"
)

// ErrUnknownBackend is returned when requesting an unregistered backend
// kind.
type ErrUnknownBackend struct {
	Kind string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown runner backend: %s", e.Kind)
}

// ExitStatusError reports that an external tool exited unsuccessfully.
type ExitStatusError struct {
	// Tool is the name of the external command, e.g. "bwrap" or
	// "docker exec".
	Tool string

	// Code is the exit code, or -1 when the process died on a signal.
	Code int

	// Output optionally carries captured stderr for the message.
	Output string
}

func (e *ExitStatusError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " and output: " + out
	}
	return msg
}

// ErrEnvironmentState reports an operation attempted against an
// environment in the wrong lifecycle state, e.g. running a command in a
// broken environment.
type ErrEnvironmentState struct {
	Op    string
	Name  names.EnvironmentName
	State EnvironmentExists
}

func (e *ErrEnvironmentState) Error() string {
	return fmt.Sprintf("cannot %s environment %s: %s", e.Op, e.Name, e.State)
}

// InconsistencyError reports that a backend's post-state after a
// mutating operation contradicts the operation's documented effect. It
// indicates a backend bug or concurrent external interference.
type InconsistencyError struct {
	Op       string
	Name     names.EnvironmentName
	Expected string
	Observed EnvironmentExists
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf(
		"environment %s inconsistent after %s: expected %s, observed %s",
		e.Name, e.Op, e.Expected, e.Observed)
}
