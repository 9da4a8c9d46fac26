package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/mdresolve/internal/log"
)

// File reads a local document when its modification time is newer than the
// last adopted snapshot.
type File struct {
	path string
}

// NewFile returns a strategy reading path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Source returns the file path.
func (f *File) Source() string { return f.path }

// Path returns the watched file path.
func (f *File) Path() string { return f.path }

func (f *File) Fetch(_ context.Context, lastUpdate time.Time) (Result, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat metadata file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("metadata path %s is a directory", f.path)
	}
	if !lastUpdate.IsZero() && !info.ModTime().After(lastUpdate) {
		log.Debug(log.CatFetch, "metadata file not modified", "path", f.path, "mtime", info.ModTime())
		return Unchanged(), nil
	}

	data, err := os.ReadFile(f.path) //nolint:gosec // G304: path comes from resolver config
	if err != nil {
		return Result{}, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return Bytes(data), nil
}

// Backup wraps a primary strategy with a local backup file. Every new payload
// is written to the backup atomically; when the primary fails before any
// snapshot was adopted the backup is served instead.
type Backup struct {
	primary Strategy
	path    string
}

// NewBackup returns primary backed by the file at path.
func NewBackup(primary Strategy, path string) *Backup {
	return &Backup{primary: primary, path: path}
}

func (b *Backup) Source() string { return b.primary.Source() }

// Primary returns the wrapped strategy.
func (b *Backup) Primary() Strategy { return b.primary }

func (b *Backup) Fetch(ctx context.Context, lastUpdate time.Time) (Result, error) {
	res, err := b.primary.Fetch(ctx, lastUpdate)
	if err != nil {
		if !lastUpdate.IsZero() {
			return Result{}, err
		}
		data, rerr := os.ReadFile(b.path) //nolint:gosec // G304: path comes from resolver config
		if rerr != nil {
			return Result{}, fmt.Errorf("%w (backup unavailable: %v)", err, rerr)
		}
		log.Warn(log.CatFetch, "primary source failed, serving backup file",
			"source", b.primary.Source(), "backup", b.path, "error", err)
		return Bytes(data), nil
	}

	if res.Changed() {
		if werr := writeAtomic(b.path, res.Data()); werr != nil {
			log.ErrorErr(log.CatFetch, "failed to write backup file", werr, "backup", b.path)
		}
	}
	return res, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace backup file: %w", err)
	}
	return nil
}
