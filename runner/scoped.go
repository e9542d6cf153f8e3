package runner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ScopedChild is a child process with guaranteed cleanup: Close kills
// the child's process group and reaps it if the caller has not already
// waited. Backends use it for the non-interactive helpers they pipe
// through (pv, tar, docker build/cp) so that an early error return
// leaves no orphans behind.
type ScopedChild struct {
	cmd    *exec.Cmd
	waited bool
}

// StartScoped starts cmd in its own process group and returns the scoped
// handle. Configure stdio and pipes on cmd before calling.
func StartScoped(cmd *exec.Cmd) (*ScopedChild, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ScopedChild{cmd: cmd}, nil
}

// Wait reaps the child and returns its exit error, if any.
func (c *ScopedChild) Wait() error {
	c.waited = true
	return c.cmd.Wait()
}

// Success waits for the child and converts a non-zero exit into an
// *ExitStatusError naming the tool.
func (c *ScopedChild) Success(tool string) error {
	err := c.Wait()
	if err == nil {
		return nil
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return &ExitStatusError{Tool: tool, Code: exit.ExitCode()}
	}
	return err
}

// Close kills and reaps the child if it is still running. It is safe to
// call after Wait and safe to call multiple times.
func (c *ScopedChild) Close() {
	if c.waited || c.cmd.Process == nil {
		return
	}
	// Negative pid signals the whole process group.
	_ = unix.Kill(-c.cmd.Process.Pid, unix.SIGKILL)
	_ = c.cmd.Wait()
	c.waited = true
}
