package bubblewrap

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
)

func testBackend(t *testing.T) *Bubblewrap {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Runner:      config.RunnerBubblewrap,
		Home:        names.NewHostPath("/home/tester"),
		UserName:    "tester",
		Shell:       "/bin/zsh",
		Hostname:    "laptop",
		EnvHomeDirs: names.NewHostPath(filepath.Join(root, "home")),
		EnvWorkDirs: names.NewHostPath(filepath.Join(root, "work")),
	}
	b, err := New(cfg, log.NoOpLogger{})
	require.NoError(t, err)
	return b
}

func mustEnv(t *testing.T, s string) names.EnvironmentName {
	t.Helper()
	name, err := names.NewEnvironmentName(s)
	require.NoError(t, err)
	return name
}

func TestBwrapArgsInteractive(t *testing.T) {
	b := testBackend(t)
	alpha := mustEnv(t, "alpha")

	got := b.bwrapArgs(alpha, runner.Interactive(), -1, -1)
	want := []string{
		"--die-with-parent",
		"--unshare-cgroup",
		"--unshare-ipc",
		"--unshare-pid",
		"--unshare-uts",
		"--hostname", "alpha.laptop",
		"--symlink", "/usr/bin", "/bin",
		"--dev", "/dev",
		"--ro-bind-try", "/etc", "/etc",
		"--bind", b.hostHome(alpha).String(), "/home/tester",
		"--bind", b.hostWork(alpha).String(), "/home/tester/w",
		"--symlink", "/usr/lib", "/lib",
		"--symlink", "/usr/lib64", "/lib64",
		"--ro-bind-try", "/opt", "/opt",
		"--proc", "/proc",
		"--symlink", "/usr/sbin", "/sbin",
		"--tmpfs", "/tmp",
		"--ro-bind-try", "/usr", "/usr",
		"--ro-bind-try", "/var/lib/apt/lists", "/var/lib/apt/lists",
		"--ro-bind-try", "/var/lib/dpkg", "/var/lib/dpkg",
		"--chdir", "/home/tester/w",
		"--", "/bin/zsh", "-l",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bwrap args mismatch (-want +got):\n%s", diff)
	}
}

func TestBwrapArgsInitAndExec(t *testing.T) {
	b := testBackend(t)
	alpha := mustEnv(t, "alpha")

	init := &runner.Init{Script: names.NewHostPath("/opt/cubicle/dev-init.sh")}
	got := b.bwrapArgs(alpha, runner.InitCommand(init), 3, 4)
	assert.Contains(t, slidingTriples(got), [3]string{"--ro-bind-try", "/opt/cubicle/dev-init.sh", "/cubicle-init.sh"})
	assert.Contains(t, slidingTriples(got), [3]string{"--file", "3", "/dev/shm/seed.tar"})
	assert.Contains(t, slidingPairs(got), [2]string{"--seccomp", "4"})
	assert.Equal(t, []string{"-c", "/cubicle-init.sh"}, got[len(got)-2:])

	got = b.bwrapArgs(alpha, runner.Exec([]string{"echo", "hello world"}), -1, -1)
	assert.Equal(t, []string{"-c", "echo 'hello world'"}, got[len(got)-2:])
}

func TestEnviron(t *testing.T) {
	b := testBackend(t)
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("DISPLAY", ":0")

	env := b.environ(mustEnv(t, "alpha"), runner.Interactive())
	assert.Contains(t, env, "HOME=/home/tester")
	assert.Contains(t, env, "SANDBOX=alpha")
	assert.Contains(t, env, "TMPDIR=/home/tester/tmp")
	assert.Contains(t, env, "PATH=/home/tester/bin:/bin:/usr/bin:/sbin:/usr/sbin")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "DISPLAY=:0")

	init := &runner.Init{EnvVars: map[string]string{"PACKAGE": "numpy"}}
	env = b.environ(mustEnv(t, "alpha"), runner.InitCommand(init))
	assert.Contains(t, env, "PACKAGE=numpy")
}

func TestStorageLifecycleWithoutSandbox(t *testing.T) {
	b := testBackend(t)
	alpha := mustEnv(t, "alpha")

	state, err := b.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, runner.NoEnvironment, state)

	// Exercise the storage half of the lifecycle directly; Run needs a
	// real bwrap so tests stay away from it.
	require.NoError(t, b.Purge(alpha))

	list, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func slidingPairs(args []string) [][2]string {
	pairs := make([][2]string, 0, len(args))
	for i := 0; i+1 < len(args); i++ {
		pairs = append(pairs, [2]string{args[i], args[i+1]})
	}
	return pairs
}

func slidingTriples(args []string) [][3]string {
	triples := make([][3]string, 0, len(args))
	for i := 0; i+2 < len(args); i++ {
		triples = append(triples, [3]string{args[i], args[i+1], args[i+2]})
	}
	return triples
}
