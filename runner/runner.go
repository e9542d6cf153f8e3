// Package runner defines the uniform lifecycle contract an environment
// backend must implement, and the registry the concrete backends
// register themselves with.
//
// An environment consists of two logical storage areas — a persistent
// home directory and a work tree — plus an optional live instance
// (process, container, or user session). How those map onto the host is
// entirely the backend's business; callers only see this interface.
//
// Supported backends:
//   - "bubblewrap": unprivileged namespace sandbox (Linux)
//   - "docker":     container engine with bind mounts or named volumes
//   - "user":       one host OS user account per environment
//   - "mock":       filesystem-backed fake for tests
//
// Usage:
//
//	r, err := runner.New(cfg.Runner, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	r = runner.NewChecked(r)
//	err = r.Run(env, &runner.Command{Kind: runner.CommandInteractive})
package runner

import (
	"fmt"
	"io"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
)

// EnvironmentExists is the tri-state answer to "does this environment
// exist?".
type EnvironmentExists int

const (
	// NoEnvironment means neither storage area nor a live instance is
	// present.
	NoEnvironment EnvironmentExists = iota

	// PartiallyExists means the environment is broken: some but not
	// all of its pieces are present. Recovery (reset or purge) is
	// required before it can be used.
	PartiallyExists

	// FullyExists means both home and work storage are present.
	FullyExists
)

func (e EnvironmentExists) String() string {
	switch e {
	case NoEnvironment:
		return "no environment"
	case PartiallyExists:
		return "partially exists"
	case FullyExists:
		return "fully exists"
	default:
		return fmt.Sprintf("EnvironmentExists(%d)", int(e))
	}
}

// Init describes how to initialize an environment: the seed tarballs
// streamed into its home, the init script to run, and the extras each
// backend applies as its substrate permits.
type Init struct {
	// Seeds are tar files concatenated back-to-back and extracted in
	// the environment's home with ignore-zero-blocks semantics.
	Seeds []names.HostPath

	// Script is the host path of the init script (dev-init.sh) to run
	// inside the environment.
	Script names.HostPath

	// DebianPackages are OS-level packages the environment wants. No
	// backend installs them: the container backend's base image comes
	// from its fixed package lists plus the configured extra packages,
	// and the other backends expect them installed on the host.
	DebianPackages []string

	// EnvVars are extra environment variables for the init script,
	// e.g. PACKAGE=<name> for managed-namespace builds.
	EnvVars map[string]string
}

// CommandKind discriminates Command variants.
type CommandKind int

const (
	// CommandInteractive attaches a login shell.
	CommandInteractive CommandKind = iota

	// CommandInit streams seeds into the environment's home and runs
	// the init script as the shell's command.
	CommandInit

	// CommandExec runs `shell -l -c <joined argv>` non-interactively.
	CommandExec
)

// Command is one request to execute inside an environment.
type Command struct {
	Kind CommandKind
	Init *Init    // set when Kind == CommandInit
	Argv []string // set when Kind == CommandExec
}

// Interactive returns an interactive-shell command.
func Interactive() *Command {
	return &Command{Kind: CommandInteractive}
}

// InitCommand returns an init command for the given Init.
func InitCommand(init *Init) *Command {
	return &Command{Kind: CommandInit, Init: init}
}

// Exec returns a non-interactive command running argv.
func Exec(argv []string) *Command {
	return &Command{Kind: CommandExec, Argv: argv}
}

// EnvFilesSummary reports where an environment's storage lives on the
// host (when known) and how big it is.
type EnvFilesSummary struct {
	// HomeDirPath is the host location of the home storage, zero when
	// unknown or absent.
	HomeDirPath names.HostPath
	HomeDir     fsutil.DirSummary

	// WorkDirPath is the host location of the work storage, zero when
	// unknown or absent.
	WorkDirPath names.HostPath
	WorkDir     fsutil.DirSummary
}

// Runner is the uniform lifecycle contract. All operations are
// synchronous and blocking. Stop and Purge are idempotent.
type Runner interface {
	// Create allocates persistent storage for a brand-new environment
	// and runs init. It fails if the environment already exists.
	Create(name names.EnvironmentName, init *Init) error

	// Exists probes the environment's storage and live instance.
	Exists(name names.EnvironmentName) (EnvironmentExists, error)

	// List returns every environment whose storage or live instance is
	// observable, sorted by name.
	List() ([]names.EnvironmentName, error)

	// FilesSummary summarizes the environment's home and work storage.
	FilesSummary(name names.EnvironmentName) (EnvFilesSummary, error)

	// Stop terminates any live instance.
	Stop(name names.EnvironmentName) error

	// Reset stops the environment, clears its home (preserving work
	// where the substrate allows), and re-runs init.
	Reset(name names.EnvironmentName, init *Init) error

	// Purge stops the environment and deletes all persistent storage.
	Purge(name names.EnvironmentName) error

	// Run executes a command inside the environment.
	Run(name names.EnvironmentName, command *Command) error

	// CopyOutFromHome streams one file out of the environment's home.
	CopyOutFromHome(name names.EnvironmentName, path string, w io.Writer) error

	// CopyOutFromWork streams one file out of the environment's work
	// directory.
	CopyOutFromWork(name names.EnvironmentName, path string, w io.Writer) error
}

// Factory constructs a backend from the loaded configuration.
type Factory func(cfg *config.Config, logger log.LibraryLogger) (Runner, error)

var backends = make(map[string]Factory)

// Register registers a backend factory under a kind name. Backends call
// this from init(); registering the same kind twice is a programming
// error and panics.
func Register(kind string, fn Factory) {
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("runner backend already registered: %s", kind))
	}
	backends[kind] = fn
}

// New constructs the backend registered under kind.
func New(kind string, cfg *config.Config, logger log.LibraryLogger) (Runner, error) {
	fn, ok := backends[kind]
	if !ok {
		return nil, &ErrUnknownBackend{Kind: kind}
	}
	return fn(cfg, logger)
}
