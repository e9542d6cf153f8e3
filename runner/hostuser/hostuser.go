// Package hostuser implements the runner contract with one host OS user
// account per environment. All privileged operations shell out through
// sudo: adduser/deluser for storage, pkill for stopping, and tar/cat
// pipelines running as the target user for data movement.
package hostuser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
	"github.com/snev68/cubicle/tarstream"
)

// initScriptName is where the init script lands in the user's home,
// delivered as the last seed tar entry.
const initScriptName = ".cubicle-init-script"

// HostUser is the per-sandbox OS user backend.
type HostUser struct {
	cfg      *config.Config
	logger   log.LibraryLogger
	prefix   string
	workTars names.HostPath // reset backups live here
}

// New creates the backend from the loaded configuration.
func New(cfg *config.Config, logger log.LibraryLogger) (*HostUser, error) {
	return &HostUser{
		cfg:      cfg,
		logger:   logger,
		prefix:   cfg.User.Prefix,
		workTars: cfg.EnvWorkDirs,
	}, nil
}

func init() {
	runner.Register(config.RunnerUser, func(cfg *config.Config, logger log.LibraryLogger) (runner.Runner, error) {
		return New(cfg, logger)
	})
}

func (h *HostUser) username(name names.EnvironmentName) string {
	return h.prefix + name.String()
}

// userExists probes whether the account actually resolves by running a
// trivial command as it.
func (h *HostUser) userExists(username string) bool {
	cmd := exec.Command("sudo", "--user", username, "--", "true")
	cmd.Env = []string{}
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

func (h *HostUser) createUser(username string) error {
	cmd := exec.Command("sudo", "--",
		"adduser",
		"--disabled-password",
		"--gecos", fmt.Sprintf("Cubicle environment for user %s", h.cfg.UserName),
		"--shell", h.cfg.Shell,
		username)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create user %s: %w", username, commandError("sudo adduser", err))
	}

	mkdir := exec.Command("sudo", "--login", "--user", username, "--", "mkdir", "w")
	mkdir.Env = []string{}
	mkdir.Stderr = os.Stderr
	if err := mkdir.Run(); err != nil {
		return fmt.Errorf("failed to create work directory ~/w/ for user %s: %w",
			username, commandError("sudo mkdir", err))
	}
	return nil
}

// killUser terminates every process owned by the user. SIGKILL for now;
// a graceful SIGTERM phase could come first later.
func (h *HostUser) killUser(username string) error {
	cmd := exec.Command("sudo", "--", "pkill", "--signal", "KILL", "--uid", username)
	// pkill exits 1 when no processes matched, which is fine here.
	_ = cmd.Run()
	return nil
}

// parsePasswd scans /etc/passwd lines for accounts carrying the
// environment prefix, returning environment name → home directory.
func parsePasswd(r io.Reader, prefix string) map[string]string {
	envs := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 6 {
			continue
		}
		env, found := strings.CutPrefix(fields[0], prefix)
		if !found {
			continue
		}
		if _, err := names.NewEnvironmentName(env); err != nil {
			continue
		}
		envs[env] = fields[5]
	}
	return envs
}

func (h *HostUser) passwdEntries() (map[string]string, error) {
	file, err := os.Open("/etc/passwd")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parsePasswd(file, h.prefix), nil
}

func (h *HostUser) Create(name names.EnvironmentName, init *runner.Init) error {
	if err := h.createUser(h.username(name)); err != nil {
		return err
	}
	return h.Run(name, runner.InitCommand(init))
}

func (h *HostUser) Exists(name names.EnvironmentName) (runner.EnvironmentExists, error) {
	entries, err := h.passwdEntries()
	if err != nil {
		return runner.NoEnvironment, err
	}
	if _, listed := entries[name.String()]; !listed {
		return runner.NoEnvironment, nil
	}
	if h.userExists(h.username(name)) {
		return runner.FullyExists, nil
	}
	return runner.PartiallyExists, nil
}

func (h *HostUser) List() ([]names.EnvironmentName, error) {
	entries, err := h.passwdEntries()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
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

func (h *HostUser) FilesSummary(name names.EnvironmentName) (runner.EnvFilesSummary, error) {
	summary := runner.EnvFilesSummary{
		HomeDir: fsutil.NewSummaryWithErrors(),
		WorkDir: fsutil.NewSummaryWithErrors(),
	}
	entries, err := h.passwdEntries()
	if err != nil {
		return summary, err
	}
	home, listed := entries[name.String()]
	if !listed {
		return summary, nil
	}
	homePath := names.NewHostPath(home)
	summary.HomeDirPath = homePath
	summary.WorkDirPath = homePath.Join("w")
	// This user usually cannot read the other account's files; report
	// what it can and flag the rest as errors.
	if dirSummary, err := fsutil.SummarizeDir(homePath); err == nil {
		summary.HomeDir = dirSummary
	}
	return summary, nil
}

func (h *HostUser) Stop(name names.EnvironmentName) error {
	return h.killUser(h.username(name))
}

// Reset backs up the work tree to a timestamped tar, recreates the
// account from scratch, and restores the backup through init. If the
// restore fails, the backup is kept and its path is logged as an error.
func (h *HostUser) Reset(name names.EnvironmentName, init *runner.Init) error {
	username := h.username(name)
	if err := h.killUser(username); err != nil {
		return err
	}

	if err := os.MkdirAll(h.workTars.String(), 0o755); err != nil {
		return err
	}
	workTar := h.workTars.Join(fmt.Sprintf("%s-%d.tar", name, time.Now().Unix()))

	h.logger.Info("Saving work directory to %s", workTar)
	if err := h.backupWork(username, workTar); err != nil {
		return err
	}

	restore := func() error {
		if err := h.Purge(name); err != nil {
			return err
		}
		if err := h.createUser(username); err != nil {
			return err
		}
		h.logger.Info("Restoring work directory from %s", workTar)
		// The work backup extracts last so the restored tree wins.
		restoredInit := *init
		restoredInit.Seeds = append(append([]names.HostPath{}, init.Seeds...), workTar)
		return h.Run(name, runner.InitCommand(&restoredInit))
	}

	if err := restore(); err != nil {
		h.logger.Error("encountered an error while resetting environment %s", name)
		h.logger.Error("a copy of its work directory is here: %s", workTar)
		return err
	}
	return os.Remove(workTar.String())
}

func (h *HostUser) backupWork(username string, workTar names.HostPath) error {
	cmd := exec.Command("sudo", "--login", "--user", username, "--", "tar", "--create", "w")
	cmd.Env = []string{}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	child, err := runner.StartScoped(cmd)
	if err != nil {
		return err
	}
	defer child.Close()

	file, err := os.OpenFile(workTar.String(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(file, stdout)
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if err := child.Success("sudo tar"); err != nil {
		return fmt.Errorf("failed to tar work directory: %w", err)
	}
	return nil
}

func (h *HostUser) Purge(name names.EnvironmentName) error {
	entries, err := h.passwdEntries()
	if err != nil {
		return err
	}
	if _, listed := entries[name.String()]; !listed {
		return nil
	}
	username := h.username(name)
	if err := h.killUser(username); err != nil {
		return err
	}
	cmd := exec.Command("sudo", "--", "deluser", "--remove-home", username)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", username, commandError("sudo deluser", err))
	}
	return nil
}

func (h *HostUser) Run(name names.EnvironmentName, command *runner.Command) error {
	username := h.username(name)

	if command.Kind == runner.CommandInit {
		scriptTar, cleanup, err := h.initScriptTar(command.Init.Script)
		if err != nil {
			return err
		}
		defer cleanup()
		seeds := append(append([]names.HostPath{}, command.Init.Seeds...), scriptTar)
		if err := h.copyInSeeds(username, seeds); err != nil {
			return err
		}
	}

	cmd := exec.Command("sudo")
	cmd.Env = []string{
		"SANDBOX=" + name.String(),
		"SHELL=" + h.cfg.Shell,
	}
	preserve := []string{"SANDBOX", "SHELL"}
	for _, key := range []string{"DISPLAY", "TERM"} {
		if value, ok := os.LookupEnv(key); ok {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
	}
	if command.Kind == runner.CommandInit {
		keys := make([]string, 0, len(command.Init.EnvVars))
		for key := range command.Init.EnvVars {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			cmd.Env = append(cmd.Env, key+"="+command.Init.EnvVars[key])
			preserve = append(preserve, key)
		}
	}

	cmd.Args = append(cmd.Args,
		"--login",
		"--user", username,
		"--preserve-env="+strings.Join(preserve, ","),
		"--",
		h.cfg.Shell)
	switch command.Kind {
	case runner.CommandInteractive:
		cmd.Args = append(cmd.Args, "-c", "cd w && exec "+h.cfg.Shell)
	case runner.CommandInit:
		cmd.Args = append(cmd.Args, "-c", "./"+initScriptName)
	case runner.CommandExec:
		cmd.Args = append(cmd.Args, "-c", "cd w && "+runner.ShellJoin(command.Argv))
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return &runner.ExitStatusError{Tool: "sudo --user", Code: exit.ExitCode()}
		}
		return err
	}
	return nil
}

// initScriptTar wraps the init script in a single-entry tar so it can
// ride in with the seeds and land in the user's home.
func (h *HostUser) initScriptTar(script names.HostPath) (names.HostPath, func(), error) {
	data, err := os.ReadFile(script.String())
	if err != nil {
		return names.HostPath{}, nil, fmt.Errorf("failed to read init script: %w", err)
	}
	file, err := os.CreateTemp("", "cubicle-init-*.tar")
	if err != nil {
		return names.HostPath{}, nil, err
	}
	cleanup := func() { os.Remove(file.Name()) }
	writeErr := tarstream.CreateSingleFile(file, initScriptName, 0o755, data)
	closeErr := file.Close()
	if writeErr != nil {
		cleanup()
		return names.HostPath{}, nil, writeErr
	}
	if closeErr != nil {
		cleanup()
		return names.HostPath{}, nil, closeErr
	}
	return names.NewHostPath(file.Name()), cleanup, nil
}

// copyInSeeds pipes the concatenated seeds from a host-side pv through a
// tar extraction running as the target user.
func (h *HostUser) copyInSeeds(username string, seeds []names.HostPath) error {
	if len(seeds) == 0 {
		return nil
	}
	h.logger.Info("Copying seed tarball")

	pvArgs := []string{"-i", "0.1"}
	for _, seed := range seeds {
		pvArgs = append(pvArgs, seed.String())
	}
	source := exec.Command("pv", pvArgs...)
	sourceOut, err := source.StdoutPipe()
	if err != nil {
		return err
	}
	sourceChild, err := runner.StartScoped(source)
	if err != nil {
		return err
	}
	defer sourceChild.Close()

	dest := exec.Command("sudo", "--login", "--user", username, "--",
		"tar", "--extract", "--ignore-zero")
	dest.Env = []string{}
	destIn, err := dest.StdinPipe()
	if err != nil {
		return err
	}
	dest.Stderr = os.Stderr
	destChild, err := runner.StartScoped(dest)
	if err != nil {
		return err
	}
	defer destChild.Close()

	_, copyErr := io.Copy(destIn, sourceOut)
	closeErr := destIn.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	if err := destChild.Success("sudo tar"); err != nil {
		return fmt.Errorf("failed to copy seeds into user %s: %w", username, err)
	}
	if err := sourceChild.Success("pv"); err != nil {
		return fmt.Errorf("failed to read seed tarballs for user %s: %w", username, err)
	}
	return nil
}

func (h *HostUser) CopyOutFromHome(name names.EnvironmentName, filePath string, w io.Writer) error {
	username := h.username(name)
	cmd := exec.Command("sudo", "--login", "--user", username, "--", "cat", filePath)
	cmd.Env = []string{}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	child, err := runner.StartScoped(cmd)
	if err != nil {
		return err
	}
	defer child.Close()

	if _, err := io.Copy(w, stdout); err != nil {
		return err
	}
	if err := child.Success("sudo cat"); err != nil {
		return fmt.Errorf("failed to copy %s from user %s: %w", filePath, username, err)
	}
	return nil
}

func (h *HostUser) CopyOutFromWork(name names.EnvironmentName, filePath string, w io.Writer) error {
	return h.CopyOutFromHome(name, path.Join("w", filePath), w)
}

func commandError(tool string, err error) error {
	if exit, ok := err.(*exec.ExitError); ok {
		return &runner.ExitStatusError{Tool: tool, Code: exit.ExitCode()}
	}
	return err
}
