// Package bubblewrap implements the runner contract with bwrap, an
// unprivileged namespace sandbox. Each environment's persistent storage
// is a pair of host directories; a sandbox instance only lives as long
// as one bwrap process, so Stop has nothing to do.
//
// The sandbox view is assembled per command: read-only binds of the
// host's /etc, /opt, /usr and the dpkg/apt metadata, usrmerge symlinks
// for /bin, /lib, /lib64 and /sbin, a fresh /proc, /dev, and /tmp, the
// environment's home bound at the user's home path, and its work
// directory bound at $HOME/w.
package bubblewrap

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
)

// initScriptPath is where the init script appears inside the sandbox.
const initScriptPath = "/cubicle-init.sh"

// seedPath is where the concatenated seed stream appears inside the
// sandbox, fed through an inherited file descriptor.
const seedPath = "/dev/shm/seed.tar"

// Bubblewrap is the namespace-sandbox backend.
type Bubblewrap struct {
	cfg      *config.Config
	logger   log.LibraryLogger
	homeDirs names.HostPath
	workDirs names.HostPath
}

// New creates the backend from the loaded configuration.
func New(cfg *config.Config, logger log.LibraryLogger) (*Bubblewrap, error) {
	return &Bubblewrap{
		cfg:      cfg,
		logger:   logger,
		homeDirs: cfg.EnvHomeDirs,
		workDirs: cfg.EnvWorkDirs,
	}, nil
}

func init() {
	runner.Register(config.RunnerBubblewrap, func(cfg *config.Config, logger log.LibraryLogger) (runner.Runner, error) {
		return New(cfg, logger)
	})
}

func (b *Bubblewrap) hostHome(name names.EnvironmentName) names.HostPath {
	return b.homeDirs.Join(name.String())
}

func (b *Bubblewrap) hostWork(name names.EnvironmentName) names.HostPath {
	return b.workDirs.Join(name.String())
}

// envHome is the environment's apparent $HOME inside the sandbox, which
// matches the user's home path on the host.
func (b *Bubblewrap) envHome() names.EnvPath {
	return names.NewEnvPath(b.cfg.Home.String())
}

func (b *Bubblewrap) Create(name names.EnvironmentName, init *runner.Init) error {
	if err := os.MkdirAll(b.homeDirs.String(), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(b.workDirs.String(), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(b.hostHome(name).String(), 0o755); err != nil {
		return fmt.Errorf("failed to create home directory for environment %s: %w", name, err)
	}
	if err := os.Mkdir(b.hostWork(name).String(), 0o755); err != nil {
		return fmt.Errorf("failed to create work directory for environment %s: %w", name, err)
	}
	return b.Run(name, runner.InitCommand(init))
}

func (b *Bubblewrap) Exists(name names.EnvironmentName) (runner.EnvironmentExists, error) {
	hasHome, err := fsutil.TryExists(b.hostHome(name))
	if err != nil {
		return runner.NoEnvironment, err
	}
	hasWork, err := fsutil.TryExists(b.hostWork(name))
	if err != nil {
		return runner.NoEnvironment, err
	}
	switch {
	case hasHome && hasWork:
		return runner.FullyExists, nil
	case hasHome || hasWork:
		return runner.PartiallyExists, nil
	default:
		return runner.NoEnvironment, nil
	}
}

// Stop is a no-op: the backend has no reliable way to enumerate its
// sandbox processes.
func (b *Bubblewrap) Stop(names.EnvironmentName) error { return nil }

func (b *Bubblewrap) List() ([]names.EnvironmentName, error) {
	seen := make(map[string]struct{})
	for _, dir := range []names.HostPath{b.homeDirs, b.workDirs} {
		entries, err := fsutil.TryIterdir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			seen[entry] = struct{}{}
		}
	}
	return sortedEnvironmentNames(seen)
}

func (b *Bubblewrap) FilesSummary(name names.EnvironmentName) (runner.EnvFilesSummary, error) {
	summary := runner.EnvFilesSummary{
		HomeDir: fsutil.NewSummaryWithErrors(),
		WorkDir: fsutil.NewSummaryWithErrors(),
	}

	home := b.hostHome(name)
	hasHome, err := fsutil.TryExists(home)
	if err != nil {
		return summary, err
	}
	if hasHome {
		summary.HomeDirPath = home
		if summary.HomeDir, err = fsutil.SummarizeDir(home); err != nil {
			return summary, err
		}
	}

	work := b.hostWork(name)
	hasWork, err := fsutil.TryExists(work)
	if err != nil {
		return summary, err
	}
	if hasWork {
		summary.WorkDirPath = work
		if summary.WorkDir, err = fsutil.SummarizeDir(work); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (b *Bubblewrap) Reset(name names.EnvironmentName, init *runner.Init) error {
	if err := fsutil.Rmtree(b.hostHome(name)); err != nil {
		return err
	}
	if err := os.MkdirAll(b.hostHome(name).String(), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(b.hostWork(name).String(), 0o755); err != nil {
		return err
	}
	return b.Run(name, runner.InitCommand(init))
}

func (b *Bubblewrap) Purge(name names.EnvironmentName) error {
	if err := fsutil.Rmtree(b.hostHome(name)); err != nil {
		return err
	}
	return fsutil.Rmtree(b.hostWork(name))
}

func (b *Bubblewrap) Run(name names.EnvironmentName, command *runner.Command) error {
	var extraFiles []*os.File
	defer func() {
		for _, f := range extraFiles {
			f.Close()
		}
	}()
	// Inherited files become fds 3, 4, ... in the child, in order.
	childFD := func(f *os.File) int {
		extraFiles = append(extraFiles, f)
		return 2 + len(extraFiles)
	}

	seedFD := -1
	var seedChild *runner.ScopedChild
	if command.Kind == runner.CommandInit && len(command.Init.Seeds) > 0 {
		b.logger.Info("Packing seed tarball")
		readEnd, writeEnd, err := os.Pipe()
		if err != nil {
			return err
		}
		pvArgs := []string{"-i", "0.1"}
		for _, seed := range command.Init.Seeds {
			pvArgs = append(pvArgs, seed.String())
		}
		pv := exec.Command("pv", pvArgs...)
		pv.Stdout = writeEnd
		seedChild, err = runner.StartScoped(pv)
		writeEnd.Close()
		if err != nil {
			readEnd.Close()
			return fmt.Errorf("failed to start seed stream: %w", err)
		}
		defer seedChild.Close()
		seedFD = childFD(readEnd)
	}

	seccompFD := -1
	if profile := b.cfg.Bubblewrap.Seccomp; profile != "" && profile != config.SeccompDisabled {
		file, err := os.Open(profile)
		if err != nil {
			return fmt.Errorf("failed to open seccomp filter: %w", err)
		}
		seccompFD = childFD(file)
	}

	cmd := exec.Command("bwrap", b.bwrapArgs(name, command, seedFD, seccompFD)...)
	cmd.Env = b.environ(name, command)
	cmd.ExtraFiles = extraFiles
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return &runner.ExitStatusError{Tool: "bwrap", Code: exit.ExitCode()}
		}
		return fmt.Errorf("failed to execute bwrap: %w", err)
	}
	return nil
}

// bwrapArgs assembles the full bwrap argument list for one command.
// seedFD and seccompFD are child-side descriptor numbers, or -1 when
// absent.
func (b *Bubblewrap) bwrapArgs(name names.EnvironmentName, command *runner.Command, seedFD, seccompFD int) []string {
	envHome := b.envHome()
	envWork := envHome.Join("w")

	args := []string{
		"--die-with-parent",
		"--unshare-cgroup",
		"--unshare-ipc",
		"--unshare-pid",
		"--unshare-uts",
		"--hostname", b.sandboxHostname(name),
		"--symlink", "/usr/bin", "/bin",
		"--dev", "/dev",
	}
	if command.Kind == runner.CommandInit {
		args = append(args, "--ro-bind-try", command.Init.Script.String(), initScriptPath)
	}
	if seedFD >= 0 {
		args = append(args, "--file", strconv.Itoa(seedFD), seedPath)
	}
	args = append(args,
		"--ro-bind-try", "/etc", "/etc",
		"--bind", b.hostHome(name).String(), envHome.String(),
		"--bind", b.hostWork(name).String(), envWork.String(),
		"--symlink", "/usr/lib", "/lib",
		"--symlink", "/usr/lib64", "/lib64",
		"--ro-bind-try", "/opt", "/opt",
		"--proc", "/proc",
		"--symlink", "/usr/sbin", "/sbin",
		"--tmpfs", "/tmp",
		"--ro-bind-try", "/usr", "/usr",
		"--ro-bind-try", "/var/lib/apt/lists", "/var/lib/apt/lists",
		"--ro-bind-try", "/var/lib/dpkg", "/var/lib/dpkg",
	)
	if seccompFD >= 0 {
		args = append(args, "--seccomp", strconv.Itoa(seccompFD))
	}
	args = append(args, "--chdir", envWork.String(), "--", b.cfg.Shell, "-l")

	switch command.Kind {
	case runner.CommandInit:
		args = append(args, "-c", initScriptPath)
	case runner.CommandExec:
		args = append(args, "-c", runner.ShellJoin(command.Argv))
	}
	return args
}

func (b *Bubblewrap) sandboxHostname(name names.EnvironmentName) string {
	if b.cfg.Hostname != "" {
		return name.String() + "." + b.cfg.Hostname
	}
	return name.String()
}

// environ builds the cleared-then-repopulated environment for the
// sandboxed shell.
func (b *Bubblewrap) environ(name names.EnvironmentName, command *runner.Command) []string {
	envHome := b.envHome()
	env := []string{
		"PATH=" + envHome.Join("bin").String() + ":/bin:/usr/bin:/sbin:/usr/sbin",
		"HOME=" + envHome.String(),
		"SANDBOX=" + name.String(),
		"TMPDIR=" + envHome.Join("tmp").String(),
	}
	for _, key := range []string{"DISPLAY", "SHELL", "TERM", "USER"} {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	if command.Kind == runner.CommandInit {
		keys := make([]string, 0, len(command.Init.EnvVars))
		for key := range command.Init.EnvVars {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			env = append(env, key+"="+command.Init.EnvVars[key])
		}
	}
	return env
}

func (b *Bubblewrap) CopyOutFromHome(name names.EnvironmentName, path string, w io.Writer) error {
	return copyOut(b.hostHome(name), path, w)
}

func (b *Bubblewrap) CopyOutFromWork(name names.EnvironmentName, path string, w io.Writer) error {
	return copyOut(b.hostWork(name), path, w)
}

func copyOut(dir names.HostPath, path string, w io.Writer) error {
	file, err := os.OpenInRoot(dir.String(), path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

func sortedEnvironmentNames(seen map[string]struct{}) ([]names.EnvironmentName, error) {
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	envs := make([]names.EnvironmentName, 0, len(keys))
	for _, key := range keys {
		env, err := names.NewEnvironmentName(key)
		if err != nil {
			return nil, fmt.Errorf("unexpected entry in environment storage: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}
