package runner

import (
	"io"

	"github.com/snev68/cubicle/names"
)

// CheckedRunner enforces the lifecycle contract in front of a concrete
// backend, independently of how well the backend behaves:
//
//   - Create requires NoEnvironment and must leave FullyExists.
//   - Reset requires at least PartiallyExists and must leave FullyExists.
//   - Purge must leave NoEnvironment.
//   - Run requires FullyExists.
//
// Precondition violations surface as *ErrEnvironmentState; postcondition
// violations as *InconsistencyError. Both fail loudly rather than let a
// half-created environment masquerade as healthy.
type CheckedRunner struct {
	inner Runner
}

// NewChecked wraps a backend in contract checks.
func NewChecked(inner Runner) *CheckedRunner {
	return &CheckedRunner{inner: inner}
}

func (c *CheckedRunner) precondition(op string, name names.EnvironmentName, allowed func(EnvironmentExists) bool) error {
	state, err := c.inner.Exists(name)
	if err != nil {
		return err
	}
	if !allowed(state) {
		return &ErrEnvironmentState{Op: op, Name: name, State: state}
	}
	return nil
}

func (c *CheckedRunner) postcondition(op string, name names.EnvironmentName, expected EnvironmentExists) error {
	state, err := c.inner.Exists(name)
	if err != nil {
		return err
	}
	if state != expected {
		return &InconsistencyError{Op: op, Name: name, Expected: expected.String(), Observed: state}
	}
	return nil
}

func (c *CheckedRunner) Create(name names.EnvironmentName, init *Init) error {
	err := c.precondition("create", name, func(s EnvironmentExists) bool { return s == NoEnvironment })
	if err != nil {
		return err
	}
	if err := c.inner.Create(name, init); err != nil {
		return err
	}
	return c.postcondition("create", name, FullyExists)
}

func (c *CheckedRunner) Exists(name names.EnvironmentName) (EnvironmentExists, error) {
	return c.inner.Exists(name)
}

func (c *CheckedRunner) List() ([]names.EnvironmentName, error) {
	return c.inner.List()
}

func (c *CheckedRunner) FilesSummary(name names.EnvironmentName) (EnvFilesSummary, error) {
	return c.inner.FilesSummary(name)
}

func (c *CheckedRunner) Stop(name names.EnvironmentName) error {
	return c.inner.Stop(name)
}

func (c *CheckedRunner) Reset(name names.EnvironmentName, init *Init) error {
	err := c.precondition("reset", name, func(s EnvironmentExists) bool { return s != NoEnvironment })
	if err != nil {
		return err
	}
	if err := c.inner.Reset(name, init); err != nil {
		return err
	}
	return c.postcondition("reset", name, FullyExists)
}

func (c *CheckedRunner) Purge(name names.EnvironmentName) error {
	if err := c.inner.Purge(name); err != nil {
		return err
	}
	return c.postcondition("purge", name, NoEnvironment)
}

func (c *CheckedRunner) Run(name names.EnvironmentName, command *Command) error {
	err := c.precondition("run command in", name, func(s EnvironmentExists) bool { return s == FullyExists })
	if err != nil {
		return err
	}
	return c.inner.Run(name, command)
}

func (c *CheckedRunner) CopyOutFromHome(name names.EnvironmentName, path string, w io.Writer) error {
	return c.inner.CopyOutFromHome(name, path, w)
}

func (c *CheckedRunner) CopyOutFromWork(name names.EnvironmentName, path string, w io.Writer) error {
	return c.inner.CopyOutFromWork(name, path, w)
}
