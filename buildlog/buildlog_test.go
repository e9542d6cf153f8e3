package buildlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache", "builds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBeginAndFinish(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Begin("default")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	attempt, err := db.Latest("default")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, StatusRunning, attempt.Status)
	assert.Equal(t, "default", attempt.Package)

	require.NoError(t, db.Finish(id, StatusSuccess))
	attempt, err = db.Latest("default")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, attempt.Status)
	assert.False(t, attempt.EndTime.IsZero())
}

func TestLatestTracksNewestAttempt(t *testing.T) {
	db := openTestDB(t)

	first, err := db.Begin("pyenv.numpy")
	require.NoError(t, err)
	require.NoError(t, db.Finish(first, StatusFailed))

	second, err := db.Begin("pyenv.numpy")
	require.NoError(t, err)
	require.NoError(t, db.Finish(second, StatusSuccess))

	attempt, err := db.Latest("pyenv.numpy")
	require.NoError(t, err)
	assert.Equal(t, second, attempt.ID)
	assert.Equal(t, StatusSuccess, attempt.Status)
}

func TestLatestMissingPackage(t *testing.T) {
	db := openTestDB(t)
	attempt, err := db.Latest("nope")
	require.NoError(t, err)
	assert.Nil(t, attempt)
}

func TestFinishUnknownAttempt(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.Finish("bogus", StatusSuccess))
}

func TestNilDBIsSafe(t *testing.T) {
	var db *DB
	require.NoError(t, db.Close())
	attempt, err := db.Latest("x")
	require.NoError(t, err)
	assert.Nil(t, attempt)
}
