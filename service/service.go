// Package service orchestrates the high-level cubicle flows — creating,
// entering, resetting, purging, and listing environments — on top of the
// package registry and a checked runner backend.
//
// The CLI layer stays thin: it parses arguments and calls one method
// here per subcommand. All methods log through the LibraryLogger passed
// at construction, so they can run under tests without terminal
// coupling.
package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/snev68/cubicle/buildlog"
	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/packages"
	"github.com/snev68/cubicle/runner"
)

// defaultPackage is the package set used when the caller names none.
const defaultPackage = "default"

// Cubicle coordinates one tool invocation's work.
type Cubicle struct {
	cfg      *config.Config
	runner   runner.Runner
	registry *packages.Registry
	history  *buildlog.DB
	logger   log.LibraryLogger
}

// New creates the service: it constructs the configured runner backend,
// wraps it in contract checks, and opens the build history (degrading
// to no history on failure).
func New(cfg *config.Config, logger log.LibraryLogger) (*Cubicle, error) {
	backend, err := runner.New(cfg.Runner, cfg, logger)
	if err != nil {
		return nil, err
	}
	checked := runner.NewChecked(backend)

	history, err := buildlog.Open(cfg.BuildLogPath)
	if err != nil {
		logger.Warn("build history disabled: %v", err)
		history = nil
	}

	return &Cubicle{
		cfg:      cfg,
		runner:   checked,
		registry: packages.NewRegistry(cfg, checked, history, logger),
		history:  history,
		logger:   logger,
	}, nil
}

// NewWithRunner wires the service to an existing runner, for tests.
func NewWithRunner(cfg *config.Config, backend runner.Runner, logger log.LibraryLogger) *Cubicle {
	checked := runner.NewChecked(backend)
	return &Cubicle{
		cfg:      cfg,
		runner:   checked,
		registry: packages.NewRegistry(cfg, checked, nil, logger),
		logger:   logger,
	}
}

// Close releases resources held by the service.
func (c *Cubicle) Close() error {
	return c.history.Close()
}

// Registry exposes the package registry for the package subcommands.
func (c *Cubicle) Registry() *packages.Registry {
	return c.registry
}

// EnterEnvironment attaches an interactive shell to an environment.
func (c *Cubicle) EnterEnvironment(name names.EnvironmentName) error {
	switch state, err := c.runner.Exists(name); {
	case err != nil:
		return err
	case state == runner.NoEnvironment:
		return fmt.Errorf("environment %s does not exist", name)
	case state == runner.PartiallyExists:
		return fmt.Errorf("environment %s in broken state (try '%s reset')", name, c.cfg.ScriptName)
	}
	return c.runner.Run(name, runner.Interactive())
}

// ExecEnvironment runs a command inside an environment.
func (c *Cubicle) ExecEnvironment(name names.EnvironmentName, argv []string) error {
	switch state, err := c.runner.Exists(name); {
	case err != nil:
		return err
	case state == runner.NoEnvironment:
		return fmt.Errorf("environment %s does not exist", name)
	case state == runner.PartiallyExists:
		return fmt.Errorf("environment %s in broken state (try '%s reset')", name, c.cfg.ScriptName)
	}
	return c.runner.Run(name, runner.Exec(argv))
}

// NewEnvironment creates an environment seeded with the given packages
// (default: {"default"}), updating those packages first.
func (c *Cubicle) NewEnvironment(name names.EnvironmentName, packageSet packages.NameSet) error {
	switch state, err := c.runner.Exists(name); {
	case err != nil:
		return err
	case state == runner.PartiallyExists:
		return fmt.Errorf("environment %s in broken state (try '%s reset')", name, c.cfg.ScriptName)
	case state == runner.FullyExists:
		return fmt.Errorf("environment %s already exists (did you mean '%s reset'?)", name, c.cfg.ScriptName)
	}

	if packageSet == nil {
		var err error
		if packageSet, err = packages.ParseNameSet([]string{defaultPackage}); err != nil {
			return err
		}
	}

	seeds, cleanup, err := c.updateAndSeed(packageSet, true)
	if err != nil {
		return err
	}
	defer cleanup()

	err = c.runner.Create(name, &runner.Init{
		Seeds:  seeds,
		Script: c.cfg.ScriptPath.Join("dev-init.sh"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize new environment %s: %w", name, err)
	}
	return nil
}

// CreateEnterTmpEnvironment creates a throwaway tmp-<suffix> environment
// and enters it.
func (c *Cubicle) CreateEnterTmpEnvironment(packageSet packages.NameSet) error {
	name, err := c.randomTmpName()
	if err != nil {
		return err
	}
	if err := c.NewEnvironment(name, packageSet); err != nil {
		return err
	}
	return c.runner.Run(name, runner.Interactive())
}

// randomTmpName generates a tmp-<suffix> name no current environment
// uses. The "cub" prefix is skipped to avoid confusion with the tool's
// own namespaces.
func (c *Cubicle) randomTmpName() (names.EnvironmentName, error) {
	for range 100 {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if strings.HasPrefix(suffix, "cub") {
			continue
		}
		name, err := names.NewEnvironmentName("tmp-" + suffix)
		if err != nil {
			continue
		}
		state, err := c.runner.Exists(name)
		if err != nil {
			return names.EnvironmentName{}, err
		}
		if state == runner.NoEnvironment {
			return name, nil
		}
	}
	return names.EnvironmentName{}, fmt.Errorf("failed to generate random environment name")
}

// PurgeEnvironment destroys an environment's storage. Purging an absent
// environment warns (unless quiet) but still calls the backend, in case
// it disagrees with Exists and finds something to clean up.
func (c *Cubicle) PurgeEnvironment(name names.EnvironmentName, quiet bool) error {
	if !quiet {
		state, err := c.runner.Exists(name)
		if err != nil {
			return err
		}
		if state == runner.NoEnvironment {
			c.logger.Warn("environment %s does not exist (nothing to purge)", name)
		}
	}
	return c.runner.Purge(name)
}

// ResetEnvironment resets an environment in place. When the caller
// names packages, those become the environment's new package set;
// otherwise the set is read back from the environment's packages.txt
// (falling back to the default set when that fails).
func (c *Cubicle) ResetEnvironment(name names.EnvironmentName, packageSet packages.NameSet) error {
	state, err := c.runner.Exists(name)
	if err != nil {
		return err
	}
	if state == runner.NoEnvironment {
		return fmt.Errorf("environment %s does not exist (did you mean '%s new'?)", name, c.cfg.ScriptName)
	}

	changed := packageSet != nil
	if packageSet == nil {
		packageSet, err = c.registry.ReadPackageListFromEnv(name)
		if err != nil {
			c.logger.Warn("failed to read package list from %s, using default set: %v", name, err)
			changed = true
			if packageSet, err = packages.ParseNameSet([]string{defaultPackage}); err != nil {
				return err
			}
		}
	}

	seeds, cleanup, err := c.updateAndSeed(packageSet, changed)
	if err != nil {
		return err
	}
	defer cleanup()

	return c.runner.Reset(name, &runner.Init{
		Seeds:  seeds,
		Script: c.cfg.ScriptPath.Join("dev-init.sh"),
	})
}

// updateAndSeed updates the package set (IfStale for both named
// packages and dependencies) and assembles the seed list. When
// writeList is set, a fresh packages.txt seed is appended.
func (c *Cubicle) updateAndSeed(packageSet packages.NameSet, writeList bool) ([]names.HostPath, func(), error) {
	specs, err := c.registry.Scan()
	if err != nil {
		return nil, nil, err
	}
	err = c.registry.Update(packageSet, specs, packages.UpdateConditions{
		Named:        packages.IfStale,
		Dependencies: packages.IfStale,
	})
	if err != nil {
		return nil, nil, err
	}

	seeds, err := c.registry.PackagesToSeeds(packageSet)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	if writeList {
		listTar, cleanupList, err := packages.WritePackageListTar(packageSet)
		if err != nil {
			return nil, nil, err
		}
		seeds = append(seeds, listTar)
		cleanup = cleanupList
	}
	return seeds, cleanup, nil
}
