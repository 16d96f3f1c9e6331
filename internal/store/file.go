package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// File stores the snapshot as a JSON document on local disk.
type File struct {
	path string
}

// NewFile returns a File store at path. The parent directory is created on first save.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load(_ context.Context) (domain.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("read snapshot %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return domain.Snapshot{}, nil
	}
	return Decode(f.path, data)
}

// Save writes to a temp file in the same directory and renames it over the
// target, so readers see either the old or the new snapshot.
func (f *File) Save(_ context.Context, snap domain.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace snapshot %s: %w", f.path, err)
	}
	return nil
}
