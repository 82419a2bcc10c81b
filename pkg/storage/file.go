package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend stores each blob in its own file, "{dir}/{prefix}_{name}.json".
type FileBackend struct {
	dir    string
	prefix string
}

// NewFileBackend creates dir if needed. An empty dir means the working directory.
func NewFileBackend(dir, prefix string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, prefix: prefix}, nil
}

// Path returns the file that holds name.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, b.prefix+"_"+name+".json")
}

func (b *FileBackend) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Save replaces the file atomically: a crash mid-write leaves the old contents.
func (b *FileBackend) Save(name string, data []byte) error {
	path := b.Path(name)
	tmp, err := os.CreateTemp(b.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *FileBackend) Size(name string) (int64, error) {
	fi, err := os.Stat(b.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *FileBackend) Close() error { return nil }
