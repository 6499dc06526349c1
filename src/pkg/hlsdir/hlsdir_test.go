package hlsdir

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	p, err := NewPreparer(filepath.Join(root, "streams"), "")
	require.NoError(t, err)

	dir, err := p.Prepare("cam-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "streams", "stream_cam-1"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	manifest, err := p.ManifestPath("cam-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stream.m3u8"), manifest)

	// 探测文件不能残留
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPreparePurgesStaleOutput(t *testing.T) {
	p, err := NewPreparer(t.TempDir(), "")
	require.NoError(t, err)
	dir, err := p.Prepare("1")
	require.NoError(t, err)

	for _, name := range []string{"stream.m3u8", "segment_000.ts", "segment_001.TS", "init.m4s", "x.tmp", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "keep.ts"), 0o755))

	again, err := p.Prepare("1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"notes.txt", "keep.ts"}, names)
}

func TestInvalidStreamID(t *testing.T) {
	p, err := NewPreparer(t.TempDir(), "")
	require.NoError(t, err)
	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`, "x..y"} {
		_, err := p.Prepare(id)
		assert.ErrorIs(t, err, ErrInvalidStreamID, id)
		assert.ErrorIs(t, p.Remove(id), ErrInvalidStreamID, id)
	}
}

func TestDirNameTemplate(t *testing.T) {
	root := t.TempDir()
	p, err := NewPreparer(root, `cam_{{ .ID | upper }}`)
	require.NoError(t, err)
	dir, err := p.Dir("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cam_ABC"), dir)

	escape, err := NewPreparer(root, `../{{ .ID }}`)
	require.NoError(t, err)
	_, err = escape.Dir("abc")
	assert.ErrorIs(t, err, ErrInvalidStreamID)

	_, err = NewPreparer(root, `{{ .ID `)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	p, err := NewPreparer(t.TempDir(), "")
	require.NoError(t, err)
	dir, err := p.Prepare("9")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte("x"), 0o644))

	require.NoError(t, p.Remove("9"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	// 不存在的目录
	assert.NoError(t, p.Remove("9"))
}

func TestPrepareNotWritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("需要非 root 的 unix 环境")
	}
	root := t.TempDir()
	p, err := NewPreparer(root, "")
	require.NoError(t, err)
	dir, err := p.Prepare("ro")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err = p.Prepare("ro")
	assert.ErrorIs(t, err, ErrDirectoryNotWritable)
}
