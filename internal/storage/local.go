package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// LocalBackend stores objects as files below Root. Network pools use the
// same backend on a mounted share.
type LocalBackend struct {
	Root string
}

// NewLocalBackend creates a backend rooted at root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{Root: root}
}

func (b *LocalBackend) resolve(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(b.Root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(b.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes pool root", ErrInvalidPath, name)
	}
	return full, nil
}

// Write stores data atomically by writing a temp file and renaming it.
func (b *LocalBackend) Write(_ context.Context, name string, data []byte) error {
	full, err := b.resolve(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", name, err)
	}
	return nil
}

// Open opens the file, seeking to the range start when rng is set.
func (b *LocalBackend) Open(_ context.Context, name string, rng *ByteRange) (io.ReadCloser, error) {
	full, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking %s: %w", name, err)
	}
	return &limitedFile{Reader: io.LimitReader(f, rng.Length()), f: f}, nil
}

// Stat returns the file size and modification time.
func (b *LocalBackend) Stat(_ context.Context, name string) (ObjectInfo, error) {
	full, err := b.resolve(name)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return ObjectInfo{Size: fi.Size(), ModTime: fi.ModTime(), ContentType: contentType(name)}, nil
}

// Delete removes the file.
func (b *LocalBackend) Delete(_ context.Context, name string) error {
	full, err := b.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// Walk totals every regular file below the root, ignoring in-flight temp
// files. A missing root counts as empty.
func (b *LocalBackend) Walk(ctx context.Context) (Usage, error) {
	var u Usage
	err := filepath.WalkDir(b.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == b.Root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.Files++
		u.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("walking %s: %w", b.Root, err)
	}
	return u, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}
