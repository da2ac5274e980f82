package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, Default.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "file")
	f, err := Default.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	buf := make([]byte, 4)
	_, err = f.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "ello", string(buf))
	require.NoError(t, f.Close())

	require.NoError(t, Default.Rename(path, path+".moved"))
	entries, err := Default.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.moved", entries[0].Name())

	require.NoError(t, Default.Remove(path+".moved"))
	_, err = Default.Stat(path + ".moved")
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_WriteLimit(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule(".log", Fault{FailAfterBytes: 5})

	f, err := ffs.OpenFile(filepath.Join(t.TempDir(), "x.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	require.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(5), ffs.Written())
	assert.Equal(t, int64(1), ffs.Injected())
}

func TestFaultyFS_RulesMatchByPattern(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	injected := errors.New("sync failed")
	ffs.AddRule("journal", Fault{FailAfterBytes: -1, FailOnSync: true, Err: injected})

	other, err := ffs.OpenFile(filepath.Join(dir, "page"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, other.Sync())
	require.NoError(t, other.Close())

	j, err := ffs.OpenFile(filepath.Join(dir, "journal"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = j.Write([]byte("ok"))
	require.NoError(t, err)
	require.ErrorIs(t, j.Sync(), injected)
	require.NoError(t, j.Close())

	ffs.Clear()
	j, err = ffs.OpenFile(filepath.Join(dir, "journal"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())
}

func TestFaultyFS_RenameAndClose(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("CURRENT", Fault{FailAfterBytes: -1, FailOnRename: true})
	ffs.AddRule("meta", Fault{FailAfterBytes: -1, FailOnClose: true})

	tmp := filepath.Join(dir, "tmp")
	f, err := ffs.OpenFile(tmp, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.ErrorIs(t, ffs.Rename(tmp, filepath.Join(dir, "CURRENT")), ErrInjected)
	_, err = ffs.Stat(tmp)
	require.NoError(t, err, "source must survive a failed rename")

	m, err := ffs.OpenFile(filepath.Join(dir, "meta"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.ErrorIs(t, m.Close(), ErrInjected)
	assert.Equal(t, int64(2), ffs.Injected())
}
