package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/tarstream"
)

// Mock is a filesystem-backed test backend. It keeps each environment's
// home and work storage under a root directory, extracts Init seeds for
// real (routing `w/`-prefixed entries into the work area the way the
// real backends' bind mounts do), and records every Run call.
//
// Hooks stand in for what would happen inside a live sandbox:
//
//	mock := runner.NewMock(t.TempDir(), log.NoOpLogger{})
//	mock.InitHook = func(env names.EnvironmentName, init *runner.Init, home, work string) error {
//	    // pretend dev-init.sh produced a build artifact
//	    return os.WriteFile(filepath.Join(home, "provides.tar"), artifact, 0o644)
//	}
type Mock struct {
	mu     sync.Mutex
	root   string
	logger log.LibraryLogger

	// RunCalls records every Run invocation in order.
	RunCalls []MockRunCall

	// InitHook runs after seeds are extracted for a CommandInit.
	InitHook func(env names.EnvironmentName, init *Init, homeDir, workDir string) error

	// ExecHook runs for CommandExec; a non-nil return fails the Run.
	ExecHook func(env names.EnvironmentName, argv []string, homeDir, workDir string) error
}

// MockRunCall is one recorded Run invocation.
type MockRunCall struct {
	Env     names.EnvironmentName
	Command *Command
}

// NewMock creates a mock backend storing environments under root.
func NewMock(root string, logger log.LibraryLogger) *Mock {
	return &Mock{root: root, logger: logger}
}

// Root returns the backing directory, letting tests reach into an
// environment's storage.
func (m *Mock) Root() string { return m.root }

func init() {
	Register("mock", func(cfg *config.Config, logger log.LibraryLogger) (Runner, error) {
		return NewMock(cfg.XDGCacheHome.Join("cubicle", "mock").String(), logger), nil
	})
}

func (m *Mock) homeDir(name names.EnvironmentName) string {
	return filepath.Join(m.root, "home", name.String())
}

func (m *Mock) workDir(name names.EnvironmentName) string {
	return filepath.Join(m.root, "work", name.String())
}

func (m *Mock) Create(name names.EnvironmentName, init *Init) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(m.root, "home"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(m.root, "work"), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(m.homeDir(name), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(m.workDir(name), 0o755); err != nil {
		return err
	}
	return m.runLocked(name, InitCommand(init))
}

func (m *Mock) Exists(name names.EnvironmentName) (EnvironmentExists, error) {
	hasHome, err := fsutil.TryExists(names.NewHostPath(m.homeDir(name)))
	if err != nil {
		return NoEnvironment, err
	}
	hasWork, err := fsutil.TryExists(names.NewHostPath(m.workDir(name)))
	if err != nil {
		return NoEnvironment, err
	}
	switch {
	case hasHome && hasWork:
		return FullyExists, nil
	case hasHome || hasWork:
		return PartiallyExists, nil
	default:
		return NoEnvironment, nil
	}
}

func (m *Mock) List() ([]names.EnvironmentName, error) {
	seen := make(map[string]struct{})
	for _, sub := range []string{"home", "work"} {
		entries, err := fsutil.TryIterdir(names.NewHostPath(filepath.Join(m.root, sub)))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			seen[entry] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(seen))
	for entry := range seen {
		sorted = append(sorted, entry)
	}
	sort.Strings(sorted)
	envs := make([]names.EnvironmentName, 0, len(sorted))
	for _, entry := range sorted {
		env, err := names.NewEnvironmentName(entry)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (m *Mock) FilesSummary(name names.EnvironmentName) (EnvFilesSummary, error) {
	summary := EnvFilesSummary{
		HomeDir: fsutil.NewSummaryWithErrors(),
		WorkDir: fsutil.NewSummaryWithErrors(),
	}
	home := names.NewHostPath(m.homeDir(name))
	if ok, err := fsutil.TryExists(home); err == nil && ok {
		summary.HomeDirPath = home
		summary.HomeDir, _ = fsutil.SummarizeDir(home)
	}
	work := names.NewHostPath(m.workDir(name))
	if ok, err := fsutil.TryExists(work); err == nil && ok {
		summary.WorkDirPath = work
		summary.WorkDir, _ = fsutil.SummarizeDir(work)
	}
	return summary, nil
}

func (m *Mock) Stop(names.EnvironmentName) error { return nil }

func (m *Mock) Reset(name names.EnvironmentName, init *Init) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := fsutil.Rmtree(names.NewHostPath(m.homeDir(name))); err != nil {
		return err
	}
	if err := os.MkdirAll(m.homeDir(name), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(m.workDir(name), 0o755); err != nil {
		return err
	}
	return m.runLocked(name, InitCommand(init))
}

func (m *Mock) Purge(name names.EnvironmentName) error {
	if err := fsutil.Rmtree(names.NewHostPath(m.homeDir(name))); err != nil {
		return err
	}
	return fsutil.Rmtree(names.NewHostPath(m.workDir(name)))
}

func (m *Mock) Run(name names.EnvironmentName, command *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(name, command)
}

func (m *Mock) runLocked(name names.EnvironmentName, command *Command) error {
	m.RunCalls = append(m.RunCalls, MockRunCall{Env: name, Command: command})
	switch command.Kind {
	case CommandInit:
		if command.Init == nil {
			return errors.New("mock: init command without init")
		}
		if err := m.extractSeeds(name, command.Init.Seeds); err != nil {
			return err
		}
		if m.InitHook != nil {
			return m.InitHook(name, command.Init, m.homeDir(name), m.workDir(name))
		}
		return nil
	case CommandExec:
		if m.ExecHook != nil {
			return m.ExecHook(name, command.Argv, m.homeDir(name), m.workDir(name))
		}
		return nil
	case CommandInteractive:
		return nil
	default:
		return fmt.Errorf("mock: unknown command kind %d", command.Kind)
	}
}

// extractSeeds extracts the concatenated seeds into the home area, then
// relocates `w/` entries into the work area, mirroring how the real
// backends bind the work directory at $HOME/w.
func (m *Mock) extractSeeds(name names.EnvironmentName, seeds []names.HostPath) error {
	if len(seeds) == 0 {
		return nil
	}
	var stream bytes.Buffer
	if err := tarstream.WriteConcatenated(&stream, seeds); err != nil {
		return err
	}
	home := m.homeDir(name)
	if err := tarstream.ExtractStream(&stream, home); err != nil {
		return err
	}
	staged := filepath.Join(home, "w")
	if _, err := os.Lstat(staged); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := mergeTree(staged, m.workDir(name)); err != nil {
		return err
	}
	return os.RemoveAll(staged)
}

func mergeTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	})
}

func (m *Mock) CopyOutFromHome(name names.EnvironmentName, path string, w io.Writer) error {
	return m.copyOut(m.homeDir(name), path, w)
}

func (m *Mock) CopyOutFromWork(name names.EnvironmentName, path string, w io.Writer) error {
	return m.copyOut(m.workDir(name), path, w)
}

func (m *Mock) copyOut(dir, path string, w io.Writer) error {
	file, err := os.OpenInRoot(dir, path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}
