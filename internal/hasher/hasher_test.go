package hasher

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyIgnoresChunkBoundaries(t *testing.T) {
	fs := afero.NewMemMapFs()

	payload := make([]byte, 300<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/a.bin", payload, 0o644))

	whole, err := Identify(fs, "/a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), whole.Size)
	assert.Len(t, whole.Hash, 64)

	// Same bytes fed through differently sized pieces
	r := bytes.NewReader(payload)
	pieces, err := Sum(r)
	require.NoError(t, err)
	assert.Equal(t, whole, pieces)
}

func TestIdentifyDiffersOnContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/b", []byte("hellp"), 0o644))

	a, err := Identify(fs, "/a")
	require.NoError(t, err)
	b, err := Identify(fs, "/b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestIdentifyMissingFile(t *testing.T) {
	_, err := Identify(afero.NewMemMapFs(), "/nope")
	assert.Error(t, err)
}

func TestDetectMimeAndKind(t *testing.T) {
	fs := afero.NewMemMapFs()

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	require.NoError(t, afero.WriteFile(fs, "/img", png, 0o644))

	mime, err := DetectMime(fs, "/img")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, KindImage, Kind(mime))
	assert.Equal(t, ".png", Extension(mime))

	require.NoError(t, afero.WriteFile(fs, "/txt", []byte("plain text here"), 0o644))
	mime, err = DetectMime(fs, "/txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mime)
	assert.Equal(t, KindOther, Kind(mime))

	assert.Equal(t, KindVideo, Kind("video/mp4"))
	assert.Equal(t, KindAudio, Kind("audio/mpeg"))
	assert.Equal(t, ".bin", Extension("application/x-made-up"))
}
