package packages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/names"
)

func writeManifest(t *testing.T, content string) names.HostPath {
	t.Helper()
	dir := names.NewHostPath(t.TempDir())
	require.NoError(t, os.WriteFile(dir.Join(manifestFile).String(), []byte(content), 0o644))
	return dir
}

func TestReadManifest(t *testing.T) {
	dir := writeManifest(t, `
package_manager = true

[depends.debian]
curl = {}
git = {}

[depends.cubicle]
base = {}

[build_depends.pyenv]
wheel = {}
`)
	manifest, found, err := readManifest(dir)
	require.NoError(t, err)
	require.True(t, found)

	assert.True(t, manifest.PackageManager)
	assert.Len(t, manifest.Depends[names.NamespaceDebian], 2)
	assert.Len(t, manifest.Depends[names.NamespaceRoot], 1)

	pyenv, err := names.ParsePackageNamespace("pyenv")
	require.NoError(t, err)
	assert.Len(t, manifest.BuildDepends[pyenv], 1)
}

func TestReadManifestEmptyFile(t *testing.T) {
	manifest, found, err := readManifest(writeManifest(t, ""))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, manifest.PackageManager)
	assert.NotNil(t, manifest.Depends[names.NamespaceRoot],
		"the root table must exist for the synthetic auto edge")
}

func TestReadManifestMissing(t *testing.T) {
	_, found, err := readManifest(names.NewHostPath(filepath.Join(t.TempDir(), "nope")))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadManifestRejectsBadNames(t *testing.T) {
	_, _, err := readManifest(writeManifest(t, `
[depends."bad ns"]
x = {}
`))
	assert.Error(t, err)

	_, _, err = readManifest(writeManifest(t, "package_manager = \"yes\"\n"))
	assert.Error(t, err)
}
