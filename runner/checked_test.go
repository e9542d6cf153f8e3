package runner

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/tarstream"
)

func envName(t *testing.T, s string) names.EnvironmentName {
	t.Helper()
	name, err := names.NewEnvironmentName(s)
	require.NoError(t, err)
	return name
}

func TestCheckedCreateLifecycle(t *testing.T) {
	mock := NewMock(t.TempDir(), log.NoOpLogger{})
	checked := NewChecked(mock)
	alpha := envName(t, "alpha")

	state, err := checked.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, NoEnvironment, state)

	require.NoError(t, checked.Create(alpha, &Init{}))

	state, err = checked.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, FullyExists, state)

	list, err := checked.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].String())

	// A second create must be rejected before touching the backend.
	err = checked.Create(alpha, &Init{})
	var stateErr *ErrEnvironmentState
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "create", stateErr.Op)
	assert.Equal(t, FullyExists, stateErr.State)
}

func TestCheckedRunRequiresFullyExists(t *testing.T) {
	mock := NewMock(t.TempDir(), log.NoOpLogger{})
	checked := NewChecked(mock)
	alpha := envName(t, "alpha")

	err := checked.Run(alpha, Interactive())
	var stateErr *ErrEnvironmentState
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, NoEnvironment, stateErr.State)

	require.NoError(t, checked.Create(alpha, &Init{}))

	// Break the environment by removing its work storage.
	require.NoError(t, os.RemoveAll(mock.workDir(alpha)))
	err = checked.Run(alpha, Interactive())
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, PartiallyExists, stateErr.State)
}

func TestCheckedResetRequiresSomething(t *testing.T) {
	mock := NewMock(t.TempDir(), log.NoOpLogger{})
	checked := NewChecked(mock)
	alpha := envName(t, "alpha")

	err := checked.Reset(alpha, &Init{})
	var stateErr *ErrEnvironmentState
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, checked.Create(alpha, &Init{}))
	require.NoError(t, os.RemoveAll(mock.workDir(alpha)))

	// Reset recovers a partially-existing environment.
	require.NoError(t, checked.Reset(alpha, &Init{}))
	state, err := checked.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, FullyExists, state)
}

func TestCheckedPurgeIsIdempotent(t *testing.T) {
	mock := NewMock(t.TempDir(), log.NoOpLogger{})
	checked := NewChecked(mock)
	alpha := envName(t, "alpha")

	require.NoError(t, checked.Create(alpha, &Init{}))
	require.NoError(t, checked.Purge(alpha))

	state, err := checked.Exists(alpha)
	require.NoError(t, err)
	assert.Equal(t, NoEnvironment, state)

	list, err := checked.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, checked.Purge(alpha))
}

func TestMockInitSeedsLandInHomeAndWork(t *testing.T) {
	dir := t.TempDir()
	mock := NewMock(filepath.Join(dir, "mock"), log.NoOpLogger{})
	checked := NewChecked(mock)
	alpha := envName(t, "alpha")

	var homeSeed bytes.Buffer
	require.NoError(t, tarstream.CreateSingleFile(&homeSeed, ".profile", 0o644, []byte("export X=1\n")))
	homeSeedPath := filepath.Join(dir, "home-seed.tar")
	require.NoError(t, os.WriteFile(homeSeedPath, homeSeed.Bytes(), 0o644))

	var workSeed bytes.Buffer
	require.NoError(t, tarstream.CreateSingleFile(&workSeed, "w/packages.txt", 0o644, []byte("default\n")))
	workSeedPath := filepath.Join(dir, "work-seed.tar")
	require.NoError(t, os.WriteFile(workSeedPath, workSeed.Bytes(), 0o644))

	init := &Init{Seeds: []names.HostPath{
		names.NewHostPath(homeSeedPath),
		names.NewHostPath(workSeedPath),
	}}
	require.NoError(t, checked.Create(alpha, init))

	var out bytes.Buffer
	require.NoError(t, checked.CopyOutFromHome(alpha, ".profile", &out))
	assert.Equal(t, "export X=1\n", out.String())

	out.Reset()
	require.NoError(t, checked.CopyOutFromWork(alpha, "packages.txt", &out))
	assert.Equal(t, "default\n", out.String())
}
