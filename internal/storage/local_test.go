package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutAndDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := NewLocal(fs, "/blobs")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/work/a", []byte("original"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/work/b", []byte("thumb"), 0o644))

	ctx := context.Background()
	locs, err := l.Put(ctx,
		Object{Key: "ab/abcd/original.mp4", SourcePath: "/work/a"},
		Object{Key: "ab/abcd/thumb.webp", SourcePath: "/work/b"},
	)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "/blobs/ab/abcd/original.mp4", locs[0].Path)

	data, err := afero.ReadFile(fs, locs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	require.NoError(t, l.Delete(ctx, "ab/abcd/original.mp4", "ab/abcd/thumb.webp", "ab/abcd/missing"))

	exists, _ := afero.DirExists(fs, "/blobs/ab/abcd")
	assert.False(t, exists)
}

func TestLocalPutRollsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := NewLocal(fs, "/blobs")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/work/a", []byte("x"), 0o644))

	_, err = l.Put(context.Background(),
		Object{Key: "k/one", SourcePath: "/work/a"},
		Object{Key: "k/two", SourcePath: "/work/does-not-exist"},
	)
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/blobs/k/one")
	assert.False(t, exists)
}

func TestLocalKeysStayInsideRoot(t *testing.T) {
	l := &Local{Fs: afero.NewMemMapFs(), Root: "/blobs"}
	assert.Equal(t, "/blobs/etc/passwd", l.path("../../etc/passwd"))
}

func TestUninitialized(t *testing.T) {
	var l *Local
	_, err := l.Put(context.Background())
	assert.ErrorIs(t, err, ErrUninitialized)
}
