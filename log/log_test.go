package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpLoggerImplementsInterface(t *testing.T) {
	var _ LibraryLogger = NoOpLogger{}
	var _ LibraryLogger = StderrLogger{}
	var _ LibraryLogger = (*FileLogger)(nil)
}

func TestFileLoggerWritesLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cubicle.log")
	logger, err := NewFileLogger(path, NoOpLogger{})
	require.NoError(t, err)

	logger.Info("built %s", "default")
	logger.Warn("using stale version of %s", "default")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO: built default")
	assert.Contains(t, string(data), "WARN: using stale version of default")
}

func TestFileLoggerCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cubicle.log")
	logger, err := NewFileLogger(path, NoOpLogger{})
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	// Writes after Close are dropped, not a panic.
	logger.Error("ignored")
}
