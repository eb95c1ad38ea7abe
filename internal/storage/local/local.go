// Package local provides a filesystem storage backend built on afero.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/fruitsalade/sharedav/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend implements storage.Backend on top of an afero filesystem
// rooted at Config.RootPath.
type LocalBackend struct {
	fs         afero.Fs
	createDirs bool
}

// New creates a new local backend. base is usually afero.NewOsFs(); tests
// pass afero.NewMemMapFs().
func New(base afero.Fs, cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := base.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := base.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		fs:         afero.NewBasePathFs(base, cfg.RootPath),
		createDirs: cfg.CreateDirs,
	}, nil
}

func objectPath(key string) string {
	return path.Clean("/" + key)
}

// GetObject reads a file with range support.
func (b *LocalBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()
	f, err := b.fs.Open(objectPath(key))
	if err != nil {
		metrics.RecordStorageOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}
	metrics.RecordStorageOperation("local", "get_object", time.Since(start), true)

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	returnSize := totalSize - offset
	if returnSize < 0 {
		returnSize = 0
	}
	return f, returnSize, nil
}

// PutObject writes content atomically via a temp file and rename.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	p := objectPath(key)
	if err := b.writeAtomic(p, body); err != nil {
		metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("put %s: %w", key, err)
	}
	metrics.RecordStorageOperation("local", "put_object", time.Since(start), true)
	metrics.RecordUpload(size)
	return nil
}

func (b *LocalBackend) writeAtomic(p string, body io.Reader) error {
	dir := path.Dir(p)
	if b.createDirs {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs: %w", err)
		}
	}

	tmp, err := afero.TempFile(b.fs, dir, ".sharedav-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := b.fs.Rename(tmpName, p); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// DeleteObject removes a file. Missing files are ignored.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	err := b.fs.Remove(objectPath(key))
	if err != nil && !os.IsNotExist(err) {
		metrics.RecordStorageOperation("local", "delete_object", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	metrics.RecordStorageOperation("local", "delete_object", time.Since(start), true)
	return nil
}

// CopyObject copies a file.
func (b *LocalBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	start := time.Now()
	src, err := b.fs.Open(objectPath(srcKey))
	if err != nil {
		metrics.RecordStorageOperation("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("open src %s: %w", srcKey, err)
	}
	defer src.Close()

	if err := b.writeAtomic(objectPath(dstKey), src); err != nil {
		metrics.RecordStorageOperation("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	metrics.RecordStorageOperation("local", "copy_object", time.Since(start), true)
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
