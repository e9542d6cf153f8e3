package service

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/packages"
	"github.com/snev68/cubicle/runner"
	"github.com/snev68/cubicle/tarstream"
)

type fixture struct {
	cfg  *config.Config
	mock *runner.Mock
	svc  *Cubicle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Runner:         config.RunnerBubblewrap,
		Shell:          "/bin/sh",
		UserName:       "tester",
		ScriptName:     "cub",
		Home:           names.NewHostPath(filepath.Join(root, "home")),
		PackageCache:   names.NewHostPath(filepath.Join(root, "cache", "packages")),
		UserPackageDir: names.NewHostPath(filepath.Join(root, "user-packages")),
		CodePackageDir: names.NewHostPath(filepath.Join(root, "code-packages")),
		ScriptPath:     names.NewHostPath(filepath.Join(root, "scripts")),
		EnvHomeDirs:    names.NewHostPath(filepath.Join(root, "env-home")),
		EnvWorkDirs:    names.NewHostPath(filepath.Join(root, "env-work")),
	}
	require.NoError(t, os.MkdirAll(cfg.ScriptPath.String(), 0o755))
	require.NoError(t, os.WriteFile(
		cfg.ScriptPath.Join("dev-init.sh").String(), []byte("#!/bin/sh\n"), 0o755))

	mock := runner.NewMock(filepath.Join(root, "envs"), log.NoOpLogger{})
	mock.InitHook = func(env names.EnvironmentName, init *runner.Init, home, work string) error {
		var artifact bytes.Buffer
		if err := tarstream.CreateSingleFile(&artifact, "bin/tool", 0o755, []byte(env.String())); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(home, "provides.tar"), artifact.Bytes(), 0o644)
	}

	f := &fixture{cfg: cfg, mock: mock, svc: NewWithRunner(cfg, mock, log.NoOpLogger{})}
	f.writePackage(t, "default", "", "update.sh")
	return f
}

func (f *fixture) writePackage(t *testing.T, name, manifest string, scripts ...string) {
	t.Helper()
	dir := f.cfg.CodePackageDir.Join(name)
	require.NoError(t, os.MkdirAll(dir.String(), 0o755))
	require.NoError(t, os.WriteFile(dir.Join("package.toml").String(), []byte(manifest), 0o644))
	for _, script := range scripts {
		require.NoError(t, os.WriteFile(dir.Join(script).String(), []byte("#!/bin/sh\n"), 0o755))
	}
}

func env(t *testing.T, s string) names.EnvironmentName {
	t.Helper()
	name, err := names.NewEnvironmentName(s)
	require.NoError(t, err)
	return name
}

func TestNewEnvironment(t *testing.T) {
	f := newFixture(t)
	alpha := env(t, "alpha")

	require.NoError(t, f.svc.NewEnvironment(alpha, nil))

	state, err := f.mock.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, runner.FullyExists, state)

	envs, err := f.svc.GetEnvironmentNames()
	require.NoError(t, err)
	require.Len(t, envs, 2) // alpha + the default package's builder env
	assert.Equal(t, "alpha", envs[0].String())
	assert.Equal(t, "package-default", envs[1].String())

	// The environment knows its intended package set.
	var out bytes.Buffer
	require.NoError(t, f.mock.CopyOutFromWork(alpha, "packages.txt", &out))
	assert.Equal(t, "default\n", out.String())

	// The default package was built and cached.
	assert.FileExists(t, f.cfg.PackageCache.Join("default.tar").String())
}

func TestNewEnvironmentRejectsExisting(t *testing.T) {
	f := newFixture(t)
	alpha := env(t, "alpha")
	require.NoError(t, f.svc.NewEnvironment(alpha, nil))

	err := f.svc.NewEnvironment(alpha, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Contains(t, err.Error(), "cub reset")
}

func TestEnterAndExecRequireHealthyEnvironment(t *testing.T) {
	f := newFixture(t)
	ghost := env(t, "ghost")

	err := f.svc.EnterEnvironment(ghost)
	assert.ErrorContains(t, err, "does not exist")
	err = f.svc.ExecEnvironment(ghost, []string{"true"})
	assert.ErrorContains(t, err, "does not exist")

	alpha := env(t, "alpha")
	require.NoError(t, f.svc.NewEnvironment(alpha, nil))
	require.NoError(t, f.svc.ExecEnvironment(alpha, []string{"true"}))

	// Break it: only one storage half remains.
	require.NoError(t, os.RemoveAll(filepath.Join(f.mock.Root(), "home", "alpha")))
	err = f.svc.EnterEnvironment(alpha)
	assert.ErrorContains(t, err, "broken state")
	assert.ErrorContains(t, err, "cub reset")
}

func TestResetReadsPackageListFromEnvironment(t *testing.T) {
	f := newFixture(t)
	f.writePackage(t, "extra", "", "update.sh")
	alpha := env(t, "alpha")

	set, err := packages.ParseNameSet([]string{"default", "extra"})
	require.NoError(t, err)
	require.NoError(t, f.svc.NewEnvironment(alpha, set))

	require.NoError(t, f.svc.ResetEnvironment(alpha, nil))

	// After the reset the environment still records both packages.
	var out bytes.Buffer
	require.NoError(t, f.mock.CopyOutFromWork(alpha, "packages.txt", &out))
	assert.Equal(t, "default\nextra\n", out.String())
}

func TestResetMissingEnvironment(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ResetEnvironment(env(t, "ghost"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Contains(t, err.Error(), "cub new")
}

func TestPurgeEnvironment(t *testing.T) {
	f := newFixture(t)
	alpha := env(t, "alpha")
	require.NoError(t, f.svc.NewEnvironment(alpha, nil))

	require.NoError(t, f.svc.PurgeEnvironment(alpha, false))
	state, err := f.mock.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, runner.NoEnvironment, state)

	// Purging again is fine, quiet or not.
	require.NoError(t, f.svc.PurgeEnvironment(alpha, true))
	require.NoError(t, f.svc.PurgeEnvironment(alpha, false))
}

func TestRandomTmpNames(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for range 5 {
		name, err := f.svc.randomTmpName()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(name.String(), "tmp-"))
		assert.False(t, seen[name.String()], "names should not repeat")
		seen[name.String()] = true
	}
}

func TestListEnvironmentsFormats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.NewEnvironment(env(t, "alpha"), nil))

	var namesOut bytes.Buffer
	require.NoError(t, f.svc.ListEnvironments(FormatNames, &namesOut))
	assert.Contains(t, namesOut.String(), "alpha\n")

	var jsonOut bytes.Buffer
	require.NoError(t, f.svc.ListEnvironments(FormatJSON, &jsonOut))
	var decoded map[string]envSummary
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	require.Contains(t, decoded, "alpha")
	assert.NotEmpty(t, decoded["alpha"].WorkDir)

	var tableOut bytes.Buffer
	require.NoError(t, f.svc.ListEnvironments(FormatDefault, &tableOut))
	assert.Contains(t, tableOut.String(), "home directory")
	assert.Contains(t, tableOut.String(), "alpha")

	err := f.svc.ListEnvironments(ListFormat("bogus"), &tableOut)
	assert.Error(t, err)
}
