package service

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
	"github.com/snev68/cubicle/util"
)

// ListFormat selects the output of ListEnvironments.
type ListFormat string

const (
	// FormatDefault is a human-readable table.
	FormatDefault ListFormat = "default"
	// FormatJSON is detailed JSON for machine consumption.
	FormatJSON ListFormat = "json"
	// FormatNames is a newline-delimited name list, handy for shell
	// completion.
	FormatNames ListFormat = "names"
)

// envSummary is the JSON shape of one environment in `cub list`.
type envSummary struct {
	HomeDir        string     `json:"home_dir,omitempty"`
	HomeDirDuError bool       `json:"home_dir_du_error"`
	HomeDirSize    uint64     `json:"home_dir_size"`
	HomeDirMtime   *time.Time `json:"home_dir_mtime"`
	WorkDir        string     `json:"work_dir,omitempty"`
	WorkDirDuError bool       `json:"work_dir_du_error"`
	WorkDirSize    uint64     `json:"work_dir_size"`
	WorkDirMtime   *time.Time `json:"work_dir_mtime"`
}

// GetEnvironmentNames returns the names of all existing environments.
func (c *Cubicle) GetEnvironmentNames() ([]names.EnvironmentName, error) {
	return c.runner.List()
}

// ListEnvironments writes the environment listing to w in the given
// format.
func (c *Cubicle) ListEnvironments(format ListFormat, w io.Writer) error {
	envs, err := c.runner.List()
	if err != nil {
		return err
	}

	if format == FormatNames {
		// Fast path for shell completion: no per-env disk summaries.
		for _, name := range envs {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	summaries := make([]envSummary, len(envs))
	for i, name := range envs {
		summary, err := c.runner.FilesSummary(name)
		if err != nil {
			c.logger.Warn("failed to summarize disk usage for %s: %v", name, err)
			summary = runner.EnvFilesSummary{
				HomeDir: fsutil.NewSummaryWithErrors(),
				WorkDir: fsutil.NewSummaryWithErrors(),
			}
		}
		summaries[i] = envSummary{
			HomeDir:        summary.HomeDirPath.String(),
			HomeDirDuError: summary.HomeDir.Errors,
			HomeDirSize:    summary.HomeDir.TotalSize,
			HomeDirMtime:   nonzeroTime(summary.HomeDir.LastModified),
			WorkDir:        summary.WorkDirPath.String(),
			WorkDirDuError: summary.WorkDir.Errors,
			WorkDirSize:    summary.WorkDir.TotalSize,
			WorkDirMtime:   nonzeroTime(summary.WorkDir.LastModified),
		}
	}

	switch format {
	case FormatJSON:
		byName := make(map[string]envSummary, len(envs))
		for i, name := range envs {
			byName[name.String()] = summaries[i]
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(byName)

	case FormatDefault:
		nameWidth := len("name")
		for _, name := range envs {
			nameWidth = max(nameWidth, len(name.String()))
		}
		now := time.Now()
		fmt.Fprintf(w, "%-*s | %-24s | %-24s\n", nameWidth, "", "home directory", "work directory")
		fmt.Fprintf(w, "%-*s | %10s %13s | %10s %13s\n", nameWidth, "name", "size", "modified", "size", "modified")
		for i, name := range envs {
			s := summaries[i]
			fmt.Fprintf(w, "%-*s | %9s%s %13s | %9s%s %13s\n",
				nameWidth, name,
				util.FormatBytes(s.HomeDirSize), duErrorMark(s.HomeDirDuError),
				mtimeCell(now, s.HomeDirMtime),
				util.FormatBytes(s.WorkDirSize), duErrorMark(s.WorkDirDuError),
				mtimeCell(now, s.WorkDirMtime))
		}
		return nil

	default:
		return fmt.Errorf("unknown list format %q", format)
	}
}

func nonzeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// duErrorMark marks sizes whose summaries hit unreadable files.
func duErrorMark(hadErrors bool) string {
	if hadErrors {
		return "+"
	}
	return " "
}

func mtimeCell(now time.Time, t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return util.RelTime(now, *t)
}
