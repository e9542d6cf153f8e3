// Package config loads cubicle's configuration: the INI file selecting
// and tuning the runner backend, plus the host facts and storage roots
// derived from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"

	"github.com/snev68/cubicle/names"
)

// Runner kinds accepted by the `runner` configuration key.
const (
	RunnerBubblewrap = "bubblewrap"
	RunnerDocker     = "docker"
	RunnerUser       = "user"
)

// SeccompDisabled is the sentinel value for `[bubblewrap] seccomp`
// acknowledging that no seccomp filter will be applied.
const SeccompDisabled = "dangerously-disabled"

// Bubblewrap configures the namespace-sandbox backend.
type Bubblewrap struct {
	// Seccomp is the path of a compiled seccomp filter, or
	// SeccompDisabled to run without one.
	Seccomp string
}

// Docker configures the container-engine backend.
type Docker struct {
	// Prefix is prepended to container, image, and volume names.
	Prefix string

	// BindMounts selects host-directory bind mounts for environment
	// storage instead of named volumes.
	BindMounts bool

	// Slim limits the base image to the minimal package set.
	Slim bool

	// StrictDebianPackages installs only the Debian packages in a
	// package's transitive closure, instead of every Debian package
	// named anywhere. This is a backend capability choice; do not
	// change it silently.
	StrictDebianPackages bool

	// ExtraPackages are additional Debian packages baked into the base
	// image.
	ExtraPackages []string
}

// User configures the per-sandbox OS user backend.
type User struct {
	// Prefix is prepended to generated usernames.
	Prefix string
}

// Config is the fully resolved configuration: file settings plus host
// facts and derived storage roots. It is loaded once at startup and
// passed by reference.
type Config struct {
	Runner     string
	AutoUpdate time.Duration // 0 disables time-based staleness
	LogFile    string        // optional persistent log file

	Bubblewrap Bubblewrap
	Docker     Docker
	User       User

	// Host facts.
	Home       names.HostPath
	UserName   string
	Shell      string
	Hostname   string
	ScriptName string
	ScriptPath names.HostPath // directory holding dev-init.sh etc.

	// Storage roots.
	XDGCacheHome   names.HostPath
	XDGDataHome    names.HostPath
	PackageCache   names.HostPath
	CodePackageDir names.HostPath
	UserPackageDir names.HostPath
	EnvHomeDirs    names.HostPath
	EnvWorkDirs    names.HostPath
	BuildLogPath   string
}

// DefaultPath returns the default configuration file location,
// $XDG_CONFIG_HOME/cubicle/cubicle.ini.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configHome, "cubicle", "cubicle.ini")
}

// Load reads the configuration file at path (DefaultPath() when empty)
// and resolves host facts from the environment. A missing file yields
// the defaults; HOME and USER must be set either way.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Runner: RunnerBubblewrap,
		Docker: Docker{Prefix: "cub-"},
		User:   User{Prefix: "cub-"},
	}

	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := cfg.parseFile(path); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch cfg.Runner {
	case RunnerBubblewrap, RunnerDocker, RunnerUser:
	default:
		return nil, fmt.Errorf("unknown runner %q in %s (expected %s, %s, or %s)",
			cfg.Runner, path, RunnerBubblewrap, RunnerDocker, RunnerUser)
	}

	if err := cfg.resolveHost(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) parseFile(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}

	global := file.Section("")
	if key := global.Key("runner"); key.String() != "" {
		cfg.Runner = key.String()
	}
	if raw := global.Key("auto_update").String(); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid auto_update %q: %w", raw, err)
		}
		cfg.AutoUpdate = d
	}
	cfg.LogFile = global.Key("log_file").String()

	bwrap := file.Section("bubblewrap")
	cfg.Bubblewrap.Seccomp = bwrap.Key("seccomp").String()

	docker := file.Section("docker")
	if key := docker.Key("prefix"); key.String() != "" {
		cfg.Docker.Prefix = key.String()
	}
	cfg.Docker.BindMounts = docker.Key("bind_mounts").MustBool(false)
	cfg.Docker.Slim = docker.Key("slim").MustBool(false)
	cfg.Docker.StrictDebianPackages = docker.Key("strict_debian_packages").MustBool(false)
	cfg.Docker.ExtraPackages = docker.Key("extra_packages").Strings(",")

	user := file.Section("user")
	if key := user.Key("prefix"); key.String() != "" {
		cfg.User.Prefix = key.String()
	}

	return nil
}

func (cfg *Config) resolveHost() error {
	home := os.Getenv("HOME")
	if home == "" {
		return fmt.Errorf("HOME environment variable must be set")
	}
	cfg.Home = names.NewHostPath(home)

	cfg.UserName = os.Getenv("USER")
	if cfg.UserName == "" {
		return fmt.Errorf("USER environment variable must be set")
	}

	cfg.Shell = os.Getenv("SHELL")
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}

	if hostname, err := os.Hostname(); err == nil {
		cfg.Hostname = hostname
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	cfg.ScriptName = filepath.Base(exe)
	cfg.ScriptPath = names.NewHostPath(filepath.Dir(exe))

	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		cacheHome = filepath.Join(home, ".cache")
	}
	cfg.XDGCacheHome = names.NewHostPath(cacheHome)

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	cfg.XDGDataHome = names.NewHostPath(dataHome)

	cfg.PackageCache = cfg.XDGCacheHome.Join("cubicle", "packages")
	cfg.CodePackageDir = cfg.ScriptPath.Join("packages")
	cfg.UserPackageDir = cfg.XDGDataHome.Join("cubicle", "packages")
	cfg.EnvHomeDirs = cfg.XDGCacheHome.Join("cubicle", "home")
	cfg.EnvWorkDirs = cfg.XDGDataHome.Join("cubicle", "work")
	cfg.BuildLogPath = cfg.XDGCacheHome.Join("cubicle", "builds.db").String()

	return nil
}
