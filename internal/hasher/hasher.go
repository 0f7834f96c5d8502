// Package hasher computes the content identity used as deduplication key
package hasher

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// Identity is the content hash of a fully assembled file plus its size
type Identity struct {
	Hash string
	Size int64
}

// Sum streams r through BLAKE2b-256 and returns the lowercase hex digest
func Sum(r io.Reader) (Identity, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Identity{}, err
	}

	n, err := io.Copy(h, r)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to hash content, %w", err)
	}

	return Identity{
		Hash: hex.EncodeToString(h.Sum(nil)),
		Size: n,
	}, nil
}

// Identify hashes the whole file at p. It must only be called on assembled
// files, never on individual chunks, so identical content converges to one
// hash regardless of how it was split during transfer.
func Identify(fs afero.Fs, p string) (Identity, error) {
	f, err := fs.Open(p)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to open %s for hashing, %w", p, err)
	}
	defer f.Close()

	return Sum(f)
}

// DetectMime sniffs the file header. Parameters like charset are dropped.
func DetectMime(fs afero.Fs, p string) (string, error) {
	f, err := fs.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for mime detection, %w", p, err)
	}
	defer f.Close()

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to detect mime type, %w", err)
	}

	return strings.Split(mime.String(), ";")[0], nil
}

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
	KindOther MediaKind = "other"
)

func Kind(mime string) MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	default:
		return KindOther
	}
}

// Extension returns the canonical extension for a mime type, ".bin" if unknown
func Extension(mime string) string {
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}

	return ".bin"
}
