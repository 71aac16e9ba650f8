package problem

import (
	"fmt"
	"io/fs"
	"os"
	"path"
)

// Loader resolves named resources such as script sources and grader files.
type Loader interface {
	Load(name string) ([]byte, error)
}

// DirLoader reads resources from a directory on disk.
type DirLoader string

func (d DirLoader) Load(name string) ([]byte, error) {
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("resource %q: invalid name", name)
	}
	return fs.ReadFile(os.DirFS(string(d)), name)
}

// MapLoader serves resources from memory.
type MapLoader map[string][]byte

func (m MapLoader) Load(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", name, fs.ErrNotExist)
	}
	return data, nil
}
