// Package docker implements the runner contract on top of an external
// container engine CLI. Each environment maps to one long-running
// container (kept alive with `sleep 90d` so commands can exec into it)
// built from a shared base image. Storage lives either in per-env host
// directories bind-mounted into the container, or in named volumes,
// selected by configuration.
package docker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moby/term"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
	"github.com/snev68/cubicle/tarstream"
)

// initScriptPath is where the init script is copied inside a container.
const initScriptPath = "/.cubicle-init"

// baseImageMaxAge is how old the base image may get before a process
// that already built it builds it again.
const baseImageMaxAge = 12 * time.Hour

// Docker is the container-engine backend.
type Docker struct {
	cfg           *config.Config
	logger        log.LibraryLogger
	timezone      string
	bindMounts    bool
	homeDirs      names.HostPath // bind-mount mode only
	workDirs      names.HostPath // bind-mount mode only
	baseImage     string
	containerHome names.EnvPath

	// builtBase records that the base image was already built during
	// this process, the one justified bit of per-process state in this
	// backend. The first build of each process runs even when the
	// existing image is younger than baseImageMaxAge.
	builtBase bool
}

// New creates the backend from the loaded configuration.
func New(cfg *config.Config, logger log.LibraryLogger) (*Docker, error) {
	return &Docker{
		cfg:           cfg,
		logger:        logger,
		timezone:      hostTimezone(),
		bindMounts:    cfg.Docker.BindMounts,
		homeDirs:      cfg.EnvHomeDirs,
		workDirs:      cfg.EnvWorkDirs,
		baseImage:     cfg.Docker.Prefix + "cubicle-base",
		containerHome: names.NewEnvPath("/home").Join(cfg.UserName),
	}, nil
}

func init() {
	runner.Register(config.RunnerDocker, func(cfg *config.Config, logger log.LibraryLogger) (runner.Runner, error) {
		return New(cfg, logger)
	})
}

// hostTimezone resolves the timezone baked into the base image.
func hostTimezone() string {
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(data)); tz != "" {
			return tz
		}
	}
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	return "Etc/UTC"
}

func (d *Docker) container(name names.EnvironmentName) string {
	return d.cfg.Docker.Prefix + name.String()
}

func (d *Docker) homeVolume(name names.EnvironmentName) string {
	return d.cfg.Docker.Prefix + name.String() + "-home"
}

func (d *Docker) workVolume(name names.EnvironmentName) string {
	return d.cfg.Docker.Prefix + name.String() + "-work"
}

func (d *Docker) isContainer(container string) (bool, error) {
	cmd := exec.Command("docker", "inspect", "--type", "container", container)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return false, nil
	}
	return false, err
}

// ps lists environments with a container present, running or not.
func (d *Docker) ps() ([]names.EnvironmentName, error) {
	output, err := exec.Command("docker", "ps", "--all", "--format", "{{ .Names }}").Output()
	if err != nil {
		return nil, commandFailed("docker ps", err)
	}
	var envs []names.EnvironmentName
	for _, line := range strings.Split(string(output), "\n") {
		rest, found := strings.CutPrefix(line, d.cfg.Docker.Prefix)
		if !found {
			continue
		}
		if env, err := names.NewEnvironmentName(rest); err == nil {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

// baseMtime returns when the base image was last tagged, or the zero
// time when the image does not exist.
func (d *Docker) baseMtime() (time.Time, error) {
	cmd := exec.Command("docker", "inspect", "--type", "image",
		"--format", "{{ $.Metadata.LastTagTime.Unix }}", d.baseImage)
	output, err := cmd.Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && strings.HasPrefix(strings.TrimSpace(string(exit.Stderr)), "Error: No such image") {
			return time.Time{}, nil
		}
		return time.Time{}, commandFailed("docker inspect", err)
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected timestamp from docker inspect: %w", err)
	}
	return time.Unix(seconds, 0), nil
}

// buildBase builds the shared base image if this process has not yet
// ensured a fresh one.
func (d *Docker) buildBase() error {
	mtime, err := d.baseMtime()
	if err != nil {
		return err
	}
	fresh := !mtime.IsZero() && time.Since(mtime) < baseImageMaxAge
	if fresh && d.builtBase {
		return nil
	}

	d.logger.Info("Building %s image", d.baseImage)
	cmd := exec.Command("docker", "build", "--tag", d.baseImage, "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	child, err := runner.StartScoped(cmd)
	if err != nil {
		return err
	}
	defer child.Close()

	packages := append([]string{}, slimPackages...)
	if !d.cfg.Docker.Slim {
		packages = append(packages, normalPackages...)
		packages = append(packages, dependenciesPackages...)
	}
	packages = append(packages, d.cfg.Docker.ExtraPackages...)

	writeErr := writeDockerfile(stdin, dockerfileArgs{
		packages: packages,
		timezone: d.timezone,
		user:     d.cfg.UserName,
		uid:      os.Getuid(),
		gid:      os.Getgid(),
	})
	closeErr := stdin.Close()
	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return closeErr
	}

	if err := child.Success("docker build"); err != nil {
		return fmt.Errorf("failed to build %s image: %w", d.baseImage, err)
	}
	d.builtBase = true
	return nil
}

// spawn starts the environment's long-running container.
func (d *Docker) spawn(name names.EnvironmentName) error {
	args := []string{
		"run",
		"--detach",
		"--env", "SANDBOX=" + name.String(),
		"--hostname", d.sandboxHostname(name),
		"--init",
		"--name", d.container(name),
		"--rm",
	}
	seccomp := d.cfg.ScriptPath.Join("seccomp.json")
	if ok, err := fsutil.TryExists(seccomp); err == nil && ok {
		args = append(args, "--security-opt", "seccomp="+seccomp.String())
	}
	// The default /dev/shm of 64 MiB crashes Chromium and
	// Electron-based programs.
	args = append(args, "--shm-size", "1000000000")
	args = append(args, "--user", d.cfg.UserName)
	args = append(args, "--volume", "/tmp/.X11-unix:/tmp/.X11-unix:ro")

	containerWork := d.containerHome.Join("w")
	if d.bindMounts {
		args = append(args,
			"--mount", bindMount(d.homeDirs.Join(name.String()).String(), d.containerHome.String()),
			"--mount", bindMount(d.workDirs.Join(name.String()).String(), containerWork.String()))
	} else {
		args = append(args,
			"--mount", volumeMount(d.homeVolume(name), d.containerHome.String()),
			"--mount", volumeMount(d.workVolume(name), containerWork.String()))
	}

	args = append(args, "--workdir", containerWork.String())
	args = append(args, d.baseImage, "sleep", "90d")

	cmd := exec.Command("docker", args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return commandFailed("docker run", err)
	}
	return nil
}

func bindMount(source, target string) string {
	return fmt.Sprintf(`"type=bind","source=%s","target=%s"`, source, target)
}

func volumeMount(source, target string) string {
	return fmt.Sprintf(`"type=volume","source=%s","target=%s"`, source, target)
}

func (d *Docker) sandboxHostname(name names.EnvironmentName) string {
	if d.cfg.Hostname != "" {
		return name.String() + "." + d.cfg.Hostname
	}
	return name.String()
}

// ensureContainer makes sure the environment's container is up,
// building the base image first when needed.
func (d *Docker) ensureContainer(name names.EnvironmentName) error {
	present, err := d.isContainer(d.container(name))
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if err := d.buildBase(); err != nil {
		return err
	}
	return d.spawn(name)
}

func (d *Docker) listVolumes() ([]string, error) {
	output, err := exec.Command("docker", "volume", "ls", "--format", "{{ .Name }}").Output()
	if err != nil {
		return nil, commandFailed("docker volume ls", err)
	}
	return strings.Fields(string(output)), nil
}

func (d *Docker) volumeMountpoint(volume string) (names.HostPath, bool, error) {
	cmd := exec.Command("docker", "volume", "inspect", "--format", "{{ .Mountpoint }}", volume)
	output, err := cmd.Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && strings.HasPrefix(strings.TrimSpace(string(exit.Stderr)), "Error: No such volume") {
			return names.HostPath{}, false, nil
		}
		return names.HostPath{}, false, commandFailed("docker volume inspect", err)
	}
	return names.NewHostPath(strings.TrimSpace(string(output))), true, nil
}

func (d *Docker) volumeExists(volume string) (bool, error) {
	_, ok, err := d.volumeMountpoint(volume)
	return ok, err
}

var duOutputRE = regexp.MustCompile(`^(?P<size>[0-9]+)\t(?P<mtime>[0-9]+)\t/v$`)

// volumeDu summarizes a volume by running du in a throwaway container
// mounting it at /v. Stderr output (typically permission errors) marks
// the summary as erroneous without failing it.
func (d *Docker) volumeDu(volume string) (fsutil.DirSummary, error) {
	cmd := exec.Command("docker", "run",
		"--mount", volumeMount(volume, "/v"),
		"--rm",
		"debian:11",
		"du", "--block-size=1", "--summarize", "--time", "--time-style=+%s", "/v")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		// du exits non-zero when it could not read part of the tree; its
		// stdout still carries the summary, so only fail without stderr.
		var exit *exec.ExitError
		if !errors.As(err, &exit) || stderr.Len() == 0 {
			return fsutil.NewSummaryWithErrors(), commandFailed("docker run du", err)
		}
	}

	match := duOutputRE.FindStringSubmatch(strings.TrimRight(string(output), "\n"))
	if match == nil {
		return fsutil.NewSummaryWithErrors(), fmt.Errorf("unexpected output from du: %q", string(output))
	}
	size, _ := strconv.ParseUint(match[duOutputRE.SubexpIndex("size")], 10, 64)
	mtime, _ := strconv.ParseInt(match[duOutputRE.SubexpIndex("mtime")], 10, 64)
	return fsutil.DirSummary{
		Errors:       stderr.Len() > 0,
		TotalSize:    size,
		LastModified: time.Unix(mtime, 0),
	}, nil
}

func (d *Docker) ensureVolumeExists(volume string) error {
	cmd := exec.Command("docker", "volume", "create", volume)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return commandFailed("docker volume create", err)
	}
	return nil
}

func (d *Docker) ensureNoVolume(volume string) error {
	cmd := exec.Command("docker", "volume", "rm", "--force", volume)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return commandFailed("docker volume rm", err)
	}
	return nil
}

// copyOutViaContainer extracts one file through `docker cp`, which
// always hands back a single-entry tar stream.
func (d *Docker) copyOutViaContainer(name names.EnvironmentName, absPath names.EnvPath, w io.Writer) error {
	if err := d.ensureContainer(name); err != nil {
		return err
	}
	cmd := exec.Command("docker", "cp", d.container(name)+":"+absPath.String(), "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	child, err := runner.StartScoped(cmd)
	if err != nil {
		return err
	}
	defer child.Close()

	if err := tarstream.ExtractSingle(stdout, w); err != nil {
		return fmt.Errorf("failed to copy %s out of container %s: %w", absPath, d.container(name), err)
	}
	return child.Success("docker cp")
}

func (d *Docker) CopyOutFromHome(name names.EnvironmentName, path string, w io.Writer) error {
	if d.bindMounts {
		return copyOut(d.homeDirs.Join(name.String()), path, w)
	}
	return d.copyOutViaContainer(name, d.containerHome.Join(path), w)
}

func (d *Docker) CopyOutFromWork(name names.EnvironmentName, path string, w io.Writer) error {
	if d.bindMounts {
		return copyOut(d.workDirs.Join(name.String()), path, w)
	}
	return d.copyOutViaContainer(name, d.containerHome.Join("w", path), w)
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

func (d *Docker) Create(name names.EnvironmentName, init *runner.Init) error {
	present, err := d.isContainer(d.container(name))
	if err != nil {
		return err
	}
	if present {
		return fmt.Errorf("container %s already exists", d.container(name))
	}
	if d.bindMounts {
		if err := os.MkdirAll(d.homeDirs.String(), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(d.workDirs.String(), 0o755); err != nil {
			return err
		}
		if err := os.Mkdir(d.homeDirs.Join(name.String()).String(), 0o755); err != nil {
			return err
		}
		if err := os.Mkdir(d.workDirs.Join(name.String()).String(), 0o755); err != nil {
			return err
		}
	} else {
		if err := d.ensureVolumeExists(d.homeVolume(name)); err != nil {
			return err
		}
		if err := d.ensureVolumeExists(d.workVolume(name)); err != nil {
			return err
		}
	}
	return d.Run(name, runner.InitCommand(init))
}

func (d *Docker) Exists(name names.EnvironmentName) (runner.EnvironmentExists, error) {
	isContainer, err := d.isContainer(d.container(name))
	if err != nil {
		return runner.NoEnvironment, err
	}

	var hasHome, hasWork bool
	if d.bindMounts {
		if hasHome, err = fsutil.TryExists(d.homeDirs.Join(name.String())); err != nil {
			return runner.NoEnvironment, err
		}
		if hasWork, err = fsutil.TryExists(d.workDirs.Join(name.String())); err != nil {
			return runner.NoEnvironment, err
		}
	} else {
		if hasHome, err = d.volumeExists(d.homeVolume(name)); err != nil {
			return runner.NoEnvironment, err
		}
		if hasWork, err = d.volumeExists(d.workVolume(name)); err != nil {
			return runner.NoEnvironment, err
		}
	}

	switch {
	case hasHome && hasWork:
		return runner.FullyExists, nil
	case isContainer || hasHome || hasWork:
		return runner.PartiallyExists, nil
	default:
		return runner.NoEnvironment, nil
	}
}

func (d *Docker) Stop(name names.EnvironmentName) error {
	container := d.container(name)
	present, err := d.isContainer(container)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	cmd := exec.Command("docker", "rm", "--force", container)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return commandFailed("docker rm", err)
	}
	return nil
}

func (d *Docker) List() ([]names.EnvironmentName, error) {
	seen := make(map[string]struct{})
	containers, err := d.ps()
	if err != nil {
		return nil, err
	}
	for _, env := range containers {
		seen[env.String()] = struct{}{}
	}

	if d.bindMounts {
		for _, dir := range []names.HostPath{d.homeDirs, d.workDirs} {
			entries, err := fsutil.TryIterdir(dir)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				seen[entry] = struct{}{}
			}
		}
	} else {
		volumes, err := d.listVolumes()
		if err != nil {
			return nil, err
		}
		for _, volume := range volumes {
			rest, found := strings.CutPrefix(volume, d.cfg.Docker.Prefix)
			if !found {
				continue
			}
			for _, suffix := range []string{"-home", "-work"} {
				if env, ok := strings.CutSuffix(rest, suffix); ok {
					seen[env] = struct{}{}
				}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	envs := make([]names.EnvironmentName, 0, len(keys))
	for _, key := range keys {
		env, err := names.NewEnvironmentName(key)
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (d *Docker) FilesSummary(name names.EnvironmentName) (runner.EnvFilesSummary, error) {
	summary := runner.EnvFilesSummary{
		HomeDir: fsutil.NewSummaryWithErrors(),
		WorkDir: fsutil.NewSummaryWithErrors(),
	}
	if d.bindMounts {
		home := d.homeDirs.Join(name.String())
		if ok, err := fsutil.TryExists(home); err != nil {
			return summary, err
		} else if ok {
			summary.HomeDirPath = home
			if summary.HomeDir, err = fsutil.SummarizeDir(home); err != nil {
				return summary, err
			}
		}
		work := d.workDirs.Join(name.String())
		if ok, err := fsutil.TryExists(work); err != nil {
			return summary, err
		} else if ok {
			summary.WorkDirPath = work
			if summary.WorkDir, err = fsutil.SummarizeDir(work); err != nil {
				return summary, err
			}
		}
		return summary, nil
	}

	var err error
	if summary.HomeDirPath, _, err = d.volumeMountpoint(d.homeVolume(name)); err != nil {
		return summary, err
	}
	if summary.HomeDir, err = d.volumeDu(d.homeVolume(name)); err != nil {
		return summary, err
	}
	if summary.WorkDirPath, _, err = d.volumeMountpoint(d.workVolume(name)); err != nil {
		return summary, err
	}
	if summary.WorkDir, err = d.volumeDu(d.workVolume(name)); err != nil {
		return summary, err
	}
	return summary, nil
}

func (d *Docker) Reset(name names.EnvironmentName, init *runner.Init) error {
	if err := d.Stop(name); err != nil {
		return err
	}
	if d.bindMounts {
		home := d.homeDirs.Join(name.String())
		if err := fsutil.Rmtree(home); err != nil {
			return err
		}
		if err := os.Mkdir(home.String(), 0o755); err != nil {
			return err
		}
	} else {
		if err := d.ensureNoVolume(d.homeVolume(name)); err != nil {
			return err
		}
		if err := d.ensureVolumeExists(d.homeVolume(name)); err != nil {
			return err
		}
	}
	return d.Run(name, runner.InitCommand(init))
}

func (d *Docker) Purge(name names.EnvironmentName) error {
	if err := d.Stop(name); err != nil {
		return err
	}
	if d.bindMounts {
		if err := fsutil.Rmtree(d.homeDirs.Join(name.String())); err != nil {
			return err
		}
		return fsutil.Rmtree(d.workDirs.Join(name.String()))
	}
	if err := d.ensureNoVolume(d.homeVolume(name)); err != nil {
		return err
	}
	return d.ensureNoVolume(d.workVolume(name))
}

func (d *Docker) Run(name names.EnvironmentName, command *runner.Command) error {
	if err := d.ensureContainer(name); err != nil {
		return err
	}
	container := d.container(name)

	if command.Kind == runner.CommandInit {
		if err := d.copyInInitScript(container, command.Init.Script); err != nil {
			return err
		}
		if len(command.Init.Seeds) > 0 {
			if err := d.copyInSeeds(container, command.Init.Seeds); err != nil {
				return err
			}
		}
	}

	args := []string{
		"exec",
		"--env", "DISPLAY",
		"--env", d.fallbackPath(),
		"--env", "SHELL",
		"--env", "USER",
		"--env", "TERM",
	}
	if command.Kind == runner.CommandInit {
		for _, key := range sortedKeys(command.Init.EnvVars) {
			args = append(args, "--env", key+"="+command.Init.EnvVars[key])
		}
	}
	args = append(args, "--interactive")
	// Docker exits with status 1 if we request a TTY without having one.
	if isAnyTerminal() {
		args = append(args, "--tty")
	}
	args = append(args, container, d.cfg.Shell, "-l")
	switch command.Kind {
	case runner.CommandInit:
		args = append(args, "-c", initScriptPath)
	case runner.CommandExec:
		args = append(args, "-c", runner.ShellJoin(command.Argv))
	}

	cmd := exec.Command("docker", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return &runner.ExitStatusError{Tool: "docker exec", Code: exit.ExitCode()}
		}
		return err
	}
	return nil
}

func (d *Docker) copyInInitScript(container string, script names.HostPath) error {
	cmd := exec.Command("docker", "cp", script.String(), container+":"+initScriptPath)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return commandFailed("docker cp", err)
	}
	return nil
}

// copyInSeeds streams the concatenated seed tarballs through a
// pv-plus-tar pipeline running inside the container, where the tools
// are guaranteed to exist.
func (d *Docker) copyInSeeds(container string, seeds []names.HostPath) error {
	d.logger.Info("Copying/extracting seed tarball")
	var total int64
	for _, seed := range seeds {
		info, err := os.Stat(seed.String())
		if err != nil {
			return err
		}
		total += info.Size()
	}
	pipeline := fmt.Sprintf(
		"pv --interval 0.1 --force --size %d | tar --ignore-zero --directory ~ --extract", total)

	cmd := exec.Command("docker", "exec", "--interactive", container, "sh", "-c", pipeline)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	child, err := runner.StartScoped(cmd)
	if err != nil {
		return err
	}
	defer child.Close()

	writeErr := tarstream.WriteConcatenated(stdin, seeds)
	closeErr := stdin.Close()
	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return closeErr
	}
	if err := child.Success("docker exec (pv | tar)"); err != nil {
		return fmt.Errorf("failed to copy seeds into container %s: %w", container, err)
	}
	return nil
}

// fallbackPath computes the PATH exported into the container. The
// debian:11 image predates usrmerge, so /bin and /usr/bin are distinct.
func (d *Docker) fallbackPath() string {
	return "PATH=" + strings.Join([]string{
		d.containerHome.Join("bin").String(),
		"/bin",
		"/sbin",
		"/usr/bin",
		"/usr/sbin",
	}, ":")
}

func isAnyTerminal() bool {
	return term.IsTerminal(os.Stdin.Fd()) ||
		term.IsTerminal(os.Stdout.Fd()) ||
		term.IsTerminal(os.Stderr.Fd())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// commandFailed converts an exec error into an ExitStatusError carrying
// any captured stderr.
func commandFailed(tool string, err error) error {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return &runner.ExitStatusError{Tool: tool, Code: exit.ExitCode(), Output: string(exit.Stderr)}
	}
	return fmt.Errorf("failed to run %s: %w", tool, err)
}
