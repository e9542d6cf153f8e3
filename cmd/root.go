// Package cmd defines the cub command-line interface. Each subcommand
// is a thin wrapper over one service method; all real work lives in the
// service, packages, and runner packages.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/packages"
	"github.com/snev68/cubicle/service"

	// Register the runner backends.
	_ "github.com/snev68/cubicle/runner/bubblewrap"
	_ "github.com/snev68/cubicle/runner/docker"
	_ "github.com/snev68/cubicle/runner/hostuser"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "cub",
	Short:         "Manage disposable, reproducible sandbox environments",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path of the configuration file (default: "+config.DefaultPath()+")")
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newService loads the configuration and constructs the service. The
// returned cleanup must run before process exit.
func newService() (*service.Cubicle, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	var logger log.LibraryLogger = log.StderrLogger{}
	var fileLogger *log.FileLogger
	if cfg.LogFile != "" {
		fileLogger, err = log.NewFileLogger(cfg.LogFile, logger)
		if err != nil {
			logger.Warn("%v", err)
		} else {
			logger = fileLogger
		}
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		svc.Close()
		if fileLogger != nil {
			fileLogger.Close()
		}
	}
	return svc, cleanup, nil
}

func parseEnvironmentName(arg string) (names.EnvironmentName, error) {
	return names.NewEnvironmentName(arg)
}

// parsePackagesFlag converts --packages values into a name set, or nil
// when the flag was not given.
func parsePackagesFlag(raw []string) (packages.NameSet, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return packages.ParseNameSet(raw)
}

// formatValue restricts a --format flag to the known output formats,
// rejecting anything else at flag-parse time.
type formatValue struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*formatValue)(nil)

func newFormatValue(def string, allowed ...string) *formatValue {
	return &formatValue{value: def, allowed: allowed}
}

func (f *formatValue) String() string { return f.value }

func (f *formatValue) Type() string { return "format" }

func (f *formatValue) Set(s string) error {
	for _, allowed := range f.allowed {
		if s == allowed {
			f.value = s
			return nil
		}
	}
	return fmt.Errorf("unknown list format %q (expected %s)",
		s, strings.Join(f.allowed, ", "))
}
