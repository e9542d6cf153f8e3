package names

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvironmentName(t *testing.T) {
	for _, ok := range []string{"alpha", "tmp-fox", "under_score", "Üñïcode", "a1"} {
		_, err := NewEnvironmentName(ok)
		assert.NoError(t, err, "expected %q to be accepted", ok)
	}
	for _, bad := range []string{"", " ", "a b", "a/b", ".", "..", "a\tb", "a\x00b", "a.b"} {
		_, err := NewEnvironmentName(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestNewPackageName(t *testing.T) {
	for _, ok := range []string{"default", "auto", "a.b", "a-b_c", "python3.11"} {
		_, err := NewPackageName(ok)
		assert.NoError(t, err, "expected %q to be accepted", ok)
	}
	for _, bad := range []string{"", "  ", "a b", "a/b", "a\nb", "a:b"} {
		_, err := NewPackageName(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestParseFullPackageName(t *testing.T) {
	tests := []struct {
		in      string
		display string
		root    bool
		debian  bool
		manager string
	}{
		{in: "x", display: "x", root: true},
		{in: "debian.curl", display: "debian.curl", debian: true},
		{in: "cubicle.y", display: "y", root: true},
		{in: "pyenv.numpy", display: "pyenv.numpy", manager: "pyenv"},
	}
	for _, tt := range tests {
		full, err := ParseFullPackageName(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.display, full.String(), tt.in)
		assert.Equal(t, tt.root, full.Namespace.IsRoot(), tt.in)
		assert.Equal(t, tt.debian, full.Namespace.IsDebian(), tt.in)
		if tt.manager != "" {
			mgr, ok := full.Namespace.Manager()
			require.True(t, ok, tt.in)
			assert.Equal(t, tt.manager, mgr.String(), tt.in)
		}

		// Round trip through the display form.
		again, err := ParseFullPackageName(full.String())
		require.NoError(t, err)
		assert.Equal(t, full, again, "display form must round-trip for %q", tt.in)
	}
}

func TestFullPackageNameOrdering(t *testing.T) {
	input := []string{"d", "c.x", "c", "b", "b.a"}
	full := make([]FullPackageName, len(input))
	for i, s := range input {
		var err error
		full[i], err = ParseFullPackageName(s)
		require.NoError(t, err)
	}
	sort.Slice(full, func(i, j int) bool { return full[i].Compare(full[j]) < 0 })

	got := make([]string, len(full))
	for i, f := range full {
		got[i] = f.String()
	}
	assert.Equal(t, []string{"b", "b.a", "c", "c.x", "d"}, got)
}

func TestBuilderAndTestEnvironmentNames(t *testing.T) {
	full, err := ParseFullPackageName("pyenv.numpy")
	require.NoError(t, err)
	assert.Equal(t, "package-pyenv.numpy", ForBuilderPackage(full).String())
	assert.Equal(t, "test-package-pyenv.numpy", ForTestPackage(full).String())
}

func TestHostAndEnvPathJoin(t *testing.T) {
	h := NewHostPath("/home/user").Join("w", "project")
	assert.Equal(t, "/home/user/w/project", h.String())

	e := NewEnvPath("/home/user").Join("w")
	assert.Equal(t, "/home/user/w", e.String())
	assert.False(t, e.IsZero())
	assert.True(t, EnvPath{}.IsZero())
}
