package packages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/snev68/cubicle/names"
)

// manifestFile is the manifest's filename inside a package source
// directory.
const manifestFile = "package.toml"

// rawManifest is the TOML shape of package.toml:
//
//	package_manager = false
//
//	[depends.debian]
//	curl = {}
//
//	[build_depends.cubicle]
//	go = {}
type rawManifest struct {
	PackageManager bool                                `toml:"package_manager"`
	Depends        map[string]map[string]rawDependency `toml:"depends"`
	BuildDepends   map[string]map[string]rawDependency `toml:"build_depends"`
}

type rawDependency struct{}

// readManifest reads and validates dir/package.toml. The second return
// is false when the file does not exist.
func readManifest(dir names.HostPath) (*Manifest, bool, error) {
	path := dir.Join(manifestFile)
	data, err := os.ReadFile(path.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	manifest := &Manifest{
		PackageManager: raw.PackageManager,
		Depends:        DependencyTable{},
		BuildDepends:   DependencyTable{},
	}
	if err := convertTable(manifest.Depends, raw.Depends); err != nil {
		return nil, false, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if err := convertTable(manifest.BuildDepends, raw.BuildDepends); err != nil {
		return nil, false, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	// The root table must exist so the synthetic "auto" edge has a home.
	if manifest.Depends[names.NamespaceRoot] == nil {
		manifest.Depends[names.NamespaceRoot] = map[names.PackageName]Dependency{}
	}
	return manifest, true, nil
}

func convertTable(dst DependencyTable, raw map[string]map[string]rawDependency) error {
	for rawNS, rawDeps := range raw {
		ns, err := names.ParsePackageNamespace(rawNS)
		if err != nil {
			return fmt.Errorf("bad dependency namespace %q: %w", rawNS, err)
		}
		table := dst[ns]
		if table == nil {
			table = map[names.PackageName]Dependency{}
			dst[ns] = table
		}
		for rawName := range rawDeps {
			name, err := names.NewPackageName(rawName)
			if err != nil {
				return fmt.Errorf("bad dependency name %q in namespace %q: %w", rawName, rawNS, err)
			}
			table[name] = Dependency{}
		}
	}
	return nil
}
