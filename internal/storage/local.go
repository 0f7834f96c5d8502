package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Local keeps blobs on a filesystem. Sources living on the same afero.Fs are
// renamed into place, anything else is copied through a temp file.
type Local struct {
	Fs   afero.Fs
	Root string
}

func NewLocal(fs afero.Fs, root string) (*Local, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s, %w", root, err)
	}

	return &Local{Fs: fs, Root: root}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(path.Clean("/"+key)))
}

func (l *Local) Put(ctx context.Context, objs ...Object) ([]Location, error) {
	if l == nil || l.Fs == nil {
		return nil, ErrUninitialized
	}

	locs := make([]Location, 0, len(objs))
	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			l.rollback(locs)
			return nil, err
		}

		target := l.path(o.Key)
		if err := l.put(o.SourcePath, target); err != nil {
			l.rollback(locs)
			return nil, fmt.Errorf("failed to store %s, %w", o.Key, err)
		}

		locs = append(locs, Location{Key: o.Key, Path: target})
	}

	return locs, nil
}

func (l *Local) put(src, target string) error {
	if err := l.Fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("ensure dir, %w", err)
	}

	if err := l.Fs.Rename(src, target); err == nil {
		return nil
	}

	in, err := l.Fs.Open(src)
	if err != nil {
		return fmt.Errorf("open source, %w", err)
	}
	defer in.Close()

	tmp := target + ".tmp"
	out, err := l.Fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file, %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		l.Fs.Remove(tmp)
		return fmt.Errorf("write file, %w", err)
	}

	if err := out.Close(); err != nil {
		l.Fs.Remove(tmp)
		return fmt.Errorf("close file, %w", err)
	}

	return l.Fs.Rename(tmp, target)
}

func (l *Local) rollback(locs []Location) {
	for _, loc := range locs {
		if err := l.Fs.Remove(loc.Path); err != nil {
			zap.L().Error("Failed to clean up after failed store", zap.String("key", loc.Key), zap.Error(err))
		}
	}
}

func (l *Local) Delete(ctx context.Context, keys ...string) error {
	if l == nil || l.Fs == nil {
		return ErrUninitialized
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := l.path(k)
		if err := l.Fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s, %w", k, err)
		}

		// Drop the per-hash directory once it's empty
		dir := filepath.Dir(p)
		if empty, _ := afero.IsEmpty(l.Fs, dir); empty && dir != l.Root {
			l.Fs.Remove(dir)
		}
	}

	return nil
}
