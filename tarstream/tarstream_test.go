package tarstream

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/names"
)

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	var found []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		found = append(found, header.Name)
	}
	sort.Strings(found)
	return found
}

func TestCreateFromDirWithPrefixAndExclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.toml"), []byte("[depends]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "update.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "rc"), []byte("x\n"), 0o644))

	var buf bytes.Buffer
	err := CreateFromDir(&buf, names.NewHostPath(dir), &Options{
		Prefix:  "w",
		Exclude: []string{"update.sh"},
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"w/files/", "w/files/rc", "w/package.toml"},
		entryNames(t, buf.Bytes()))
}

func TestCreateSingleFileAndExtractSingle(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, CreateSingleFile(&buf, "w/packages.txt", 0o644, []byte("default\n")))

	var out bytes.Buffer
	require.NoError(t, ExtractSingle(bytes.NewReader(buf.Bytes()), &out))
	assert.Equal(t, "default\n", out.String())
}

func TestExtractSingleRejectsEmptyAndMulti(t *testing.T) {
	var empty bytes.Buffer
	tw := tar.NewWriter(&empty)
	require.NoError(t, tw.Close())
	assert.Error(t, ExtractSingle(bytes.NewReader(empty.Bytes()), io.Discard))

	var multi bytes.Buffer
	tw = tar.NewWriter(&multi)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: 0}))
	}
	require.NoError(t, tw.Close())
	assert.Error(t, ExtractSingle(bytes.NewReader(multi.Bytes()), io.Discard))
}

func TestExtractStreamConcatenatedWithZeroPadding(t *testing.T) {
	var first bytes.Buffer
	require.NoError(t, CreateSingleFile(&first, "one.txt", 0o644, []byte("1")))
	var second bytes.Buffer
	require.NoError(t, CreateSingleFile(&second, "sub/two.txt", 0o644, []byte("2")))

	// Concatenate with extra zero-block padding between the archives,
	// mimicking tools that pad to a larger blocking factor.
	var stream bytes.Buffer
	stream.Write(first.Bytes())
	stream.Write(make([]byte, 512*6))
	stream.Write(second.Bytes())
	stream.Write(make([]byte, 512*3))

	dest := t.TempDir()
	require.NoError(t, ExtractStream(&stream, dest))

	one, err := os.ReadFile(filepath.Join(dest, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(one))
	two, err := os.ReadFile(filepath.Join(dest, "sub", "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(two))
}

func TestExtractStreamRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Size: 0}))
	require.NoError(t, tw.Close())

	err := ExtractStream(bytes.NewReader(buf.Bytes()), t.TempDir())
	assert.Error(t, err)
}

func TestWriteConcatenated(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tar")
	b := filepath.Join(dir, "b.tar")

	var buf bytes.Buffer
	require.NoError(t, CreateSingleFile(&buf, "a", 0o644, []byte("a")))
	require.NoError(t, os.WriteFile(a, buf.Bytes(), 0o644))
	buf.Reset()
	require.NoError(t, CreateSingleFile(&buf, "b", 0o644, []byte("b")))
	require.NoError(t, os.WriteFile(b, buf.Bytes(), 0o644))

	var stream bytes.Buffer
	require.NoError(t, WriteConcatenated(&stream, []names.HostPath{
		names.NewHostPath(a), names.NewHostPath(b),
	}))

	dest := t.TempDir()
	require.NoError(t, ExtractStream(&stream, dest))
	assert.FileExists(t, filepath.Join(dest, "a"))
	assert.FileExists(t, filepath.Join(dest, "b"))
}
