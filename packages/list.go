package packages

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/snev68/cubicle/buildlog"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/util"
)

// ListFormat selects the output of ListPackages.
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

// Details describes one available package.
type Details struct {
	BuildDepends    map[string][]string `json:"build_depends"`
	Built           *time.Time          `json:"built"`
	Depends         map[string][]string `json:"depends"`
	Edited          *time.Time          `json:"edited"`
	Dir             string              `json:"dir,omitempty"`
	LastBuildFailed bool                `json:"last_build_failed"`
	LastAttempt     *buildlog.Attempt   `json:"last_attempt,omitempty"`
	PackageManager  bool                `json:"package_manager"`
	Origin          string              `json:"origin"`
	Size            *uint64             `json:"size"`
}

// GetPackages returns details for every available package: scanned root
// packages plus non-root packages known only by their cached artifacts.
func (r *Registry) GetPackages() (map[names.FullPackageName]*Details, error) {
	details := map[names.FullPackageName]*Details{}

	specs, err := r.Scan()
	if err != nil {
		return nil, err
	}
	for name, spec := range specs {
		full := names.RootPackage(name)
		d := &Details{
			BuildDepends:   flattenTable(spec.Manifest.BuildDepends),
			Depends:        flattenTable(spec.Manifest.Depends),
			Dir:            spec.Dir.String(),
			PackageManager: spec.Manifest.PackageManager,
			Origin:         spec.Origin,
		}
		d.Built, d.Size = r.artifactMetadata(full)
		if summary, err := fsutil.SummarizeDir(spec.Dir); err == nil {
			edited := summary.LastModified
			d.Edited = &edited
		}
		if d.LastBuildFailed, err = r.packageBuildFailed(full); err != nil {
			return nil, err
		}
		d.LastAttempt, _ = r.history.Latest(full.String())
		details[full] = d
	}

	cached, err := r.cachedArtifactNames()
	if err != nil {
		return nil, err
	}
	for _, full := range cached {
		if full.Namespace.IsRoot() {
			continue
		}
		d := &Details{
			BuildDepends: map[string][]string{},
			Depends:      map[string][]string{},
			Origin:       "N/A",
		}
		d.Built, d.Size = r.artifactMetadata(full)
		if d.LastBuildFailed, err = r.packageBuildFailed(full); err != nil {
			return nil, err
		}
		d.LastAttempt, _ = r.history.Latest(full.String())
		details[full] = d
	}

	return details, nil
}

func (r *Registry) artifactMetadata(name names.FullPackageName) (*time.Time, *uint64) {
	info, err := os.Stat(r.cacheTar(name).String())
	if err != nil {
		return nil, nil
	}
	mtime := info.ModTime()
	size := uint64(info.Size())
	return &mtime, &size
}

// ListPackages writes the package listing to w in the given format.
func (r *Registry) ListPackages(format ListFormat, w io.Writer) error {
	switch format {
	case FormatNames:
		set, err := r.GetPackageNames()
		if err != nil {
			return err
		}
		for _, name := range set.Sorted() {
			fmt.Fprintln(w, name)
		}
		return nil

	case FormatJSON:
		details, err := r.GetPackages()
		if err != nil {
			return err
		}
		byName := make(map[string]*Details, len(details))
		for name, d := range details {
			byName[name.String()] = d
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(byName)

	case FormatDefault:
		details, err := r.GetPackages()
		if err != nil {
			return err
		}
		sorted := make([]names.FullPackageName, 0, len(details))
		for name := range details {
			sorted = append(sorted, name)
		}
		sortFullNames(sorted)

		displayNames := make([]string, len(sorted))
		nameWidth, originWidth := len("name"), len("origin")
		for i, name := range sorted {
			displayNames[i] = name.String()
			if details[name].PackageManager {
				displayNames[i] += ".*"
			}
			nameWidth = max(nameWidth, len(displayNames[i]))
			originWidth = max(originWidth, len(details[name].Origin))
		}

		now := time.Now()
		fmt.Fprintf(w, "%-*s  %-*s  %10s  %13s  %13s  %8s\n",
			nameWidth, "name", originWidth, "origin", "size", "built", "edited", "status")
		fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
			dashes(nameWidth), dashes(originWidth), dashes(10), dashes(13), dashes(13), dashes(8))
		for i, name := range sorted {
			d := details[name]
			size := "N/A"
			if d.Size != nil {
				size = util.FormatBytes(*d.Size)
			}
			status := "ok"
			if d.LastBuildFailed {
				status = "failed"
			}
			fmt.Fprintf(w, "%-*s  %-*s  %10s  %13s  %13s  %8s\n",
				nameWidth, displayNames[i],
				originWidth, d.Origin,
				size,
				optRelTime(now, d.Built),
				optRelTime(now, d.Edited),
				status)
		}
		return nil

	default:
		return fmt.Errorf("unknown list format %q", format)
	}
}

func flattenTable(table DependencyTable) map[string][]string {
	flat := map[string][]string{}
	for _, ns := range sortedNamespaces(table) {
		namesInNS := make([]string, 0, len(table[ns]))
		for _, name := range sortedNames(table[ns]) {
			namesInNS = append(namesInNS, name.String())
		}
		flat[ns.String()] = namesInNS
	}
	return flat
}

func optRelTime(now time.Time, t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return util.RelTime(now, *t)
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}

func sortFullNames(sorted []names.FullPackageName) {
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
}
