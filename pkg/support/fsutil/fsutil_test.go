package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for _, p := range []string{"", "/tmp/x", "relative/~"} {
		got, err := ExpandHome(p)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ExpandHome("~")
	require.NoError(t, err)
	assert.Equal(t, path.Clean(usr.HomeDir), got)
	got, err = ExpandHome("~/cache/build.mp")
	require.NoError(t, err)
	assert.Equal(t, path.Join(usr.HomeDir, "cache/build.mp"), got)
	got, err = ExpandHome("~" + usr.Username + "/a")
	require.NoError(t, err)
	assert.Equal(t, path.Join(usr.HomeDir, "a"), got)

	_, err = ExpandHome("~no-such-user-hopefully/a")
	require.Error(t, err)
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sub", "file.txt")
	require.NoError(t, WriteAtomic(p, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))
	contents, err := ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// A failed write leaves the previous contents and no temporary files.
	err = WriteAtomic(p, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("broken")
	})
	require.Error(t, err)
	contents, err = ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))
	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	exists, err := FileExists(p)
	require.NoError(t, err)
	assert.True(t, exists)
	isDir, err := IsDir(p)
	require.NoError(t, err)
	assert.False(t, isDir)
	isDir, err = IsDir(dir)
	require.NoError(t, err)
	assert.True(t, isDir)
	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = ReadFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
