package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

func setHostEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USER", "tester")
	t.Setenv("SHELL", "/bin/bash")
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := setHostEnv(t)

	cfg, err := Load(filepath.Join(home, "no-such-file.ini"))
	require.NoError(t, err)

	assert.Equal(t, RunnerBubblewrap, cfg.Runner)
	assert.Equal(t, time.Duration(0), cfg.AutoUpdate)
	assert.Equal(t, "cub-", cfg.Docker.Prefix)
	assert.Equal(t, "cub-", cfg.User.Prefix)
	assert.False(t, cfg.Docker.BindMounts)
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.Equal(t, "tester", cfg.UserName)
	assert.Equal(t,
		filepath.Join(home, ".cache", "cubicle", "packages"),
		cfg.PackageCache.String())
	assert.Equal(t,
		filepath.Join(home, ".local", "share", "cubicle", "work"),
		cfg.EnvWorkDirs.String())
}

func TestLoadFile(t *testing.T) {
	home := setHostEnv(t)

	file := ini.Empty()
	file.Section("").Key("runner").SetValue("docker")
	file.Section("").Key("auto_update").SetValue("168h")
	file.Section("docker").Key("prefix").SetValue("dev-")
	file.Section("docker").Key("bind_mounts").SetValue("true")
	file.Section("docker").Key("extra_packages").SetValue("htop, tmux")
	file.Section("bubblewrap").Key("seccomp").SetValue(SeccompDisabled)

	path := filepath.Join(home, "cubicle.ini")
	require.NoError(t, file.SaveTo(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RunnerDocker, cfg.Runner)
	assert.Equal(t, 168*time.Hour, cfg.AutoUpdate)
	assert.Equal(t, "dev-", cfg.Docker.Prefix)
	assert.True(t, cfg.Docker.BindMounts)
	assert.Equal(t, []string{"htop", "tmux"}, cfg.Docker.ExtraPackages)
	assert.Equal(t, SeccompDisabled, cfg.Bubblewrap.Seccomp)
}

func TestLoadRejectsUnknownRunner(t *testing.T) {
	home := setHostEnv(t)
	path := filepath.Join(home, "cubicle.ini")
	require.NoError(t, os.WriteFile(path, []byte("runner = jail\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown runner")
}

func TestLoadRequiresHomeAndUser(t *testing.T) {
	home := setHostEnv(t)
	t.Setenv("USER", "")
	_, err := Load(filepath.Join(home, "missing.ini"))
	assert.ErrorContains(t, err, "USER")

	t.Setenv("USER", "tester")
	t.Setenv("HOME", "")
	_, err = Load(filepath.Join(home, "missing.ini"))
	assert.ErrorContains(t, err, "HOME")
}

func TestDefaultPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	assert.Equal(t, "/tmp/xdg-config/cubicle/cubicle.ini", DefaultPath())
}
