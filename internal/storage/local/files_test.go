package local

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestChecksumStreamsFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files, err := New(root)
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "clip.mp4", "not really a video")
	sum, size, err := files.Checksum(src)
	require.NoError(t, err)
	require.EqualValues(t, len("not really a video"), size)

	want := sha256.Sum256([]byte("not really a video"))
	require.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestMoveIntoRoot(t *testing.T) {
	t.Parallel()

	files, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "download.mp4", "payload")
	dest, err := files.Move(src, "videos", "abc-123.mp4")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(files.Root(), "videos", "abc-123.mp4"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestMoveRejectsExistingDestination(t *testing.T) {
	t.Parallel()

	files, err := New(t.TempDir())
	require.NoError(t, err)

	first := writeTemp(t, t.TempDir(), "a.mp4", "one")
	_, err = files.Move(first, "videos", "same.mp4")
	require.NoError(t, err)

	second := writeTemp(t, t.TempDir(), "b.mp4", "two")
	_, err = files.Move(second, "videos", "same.mp4")
	require.ErrorContains(t, err, "already exists")
}

func TestMoveSanitizesTraversal(t *testing.T) {
	t.Parallel()

	files, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "x.mp4", "data")

	// Path components in the filename are stripped, not honored.
	dest, err := files.Move(src, "videos", "../../escape.mp4")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(files.Root(), "videos", "escape.mp4"), dest)
}

func TestMoveRejectsSubdirEscape(t *testing.T) {
	t.Parallel()

	files, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "x.mp4", "data")
	_, err = files.Move(src, "../outside", "x.mp4")
	require.ErrorContains(t, err, "escapes storage root")
}

func TestDeleteInsideRootOnly(t *testing.T) {
	t.Parallel()

	files, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "x.mp4", "data")
	dest, err := files.Move(src, "videos", "x.mp4")
	require.NoError(t, err)

	removed, err := files.Delete(dest)
	require.NoError(t, err)
	require.True(t, removed)

	// Second delete of the same file reports nothing removed.
	removed, err = files.Delete(dest)
	require.NoError(t, err)
	require.False(t, removed)

	outside := writeTemp(t, t.TempDir(), "y.mp4", "data")
	_, err = files.Delete(outside)
	require.ErrorContains(t, err, "escapes storage root")
}

func TestFindByTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemp(t, dir, "f00dfeed.webm", "vid")
	writeTemp(t, dir, "other.mp4", "vid")

	found, err := FindByTemplate(filepath.Join(dir, "f00dfeed.%(ext)s"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "f00dfeed.webm"), found)

	_, err = FindByTemplate(filepath.Join(dir, "missing.%(ext)s"))
	require.ErrorContains(t, err, "no output matching")
}
