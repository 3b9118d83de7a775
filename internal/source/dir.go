package source

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// DirSource serves a release from a local directory, e.g. a mounted
// mirror on an air-gapped host. The layout matches HTTPSource: the
// index at <dir>/<index-file> and target bytes at <dir>/targets/<name>.
type DirSource struct {
	fs        afero.Fs
	dir       string
	indexFile string

	mu    sync.Mutex
	index *releaseIndex
}

// DirOpt configures a DirSource.
type DirOpt func(*DirSource)

// WithDirFilesystem replaces the OS filesystem, for tests.
func WithDirFilesystem(fs afero.Fs) DirOpt {
	return func(s *DirSource) {
		s.fs = fs
	}
}

// WithDirIndexFile overrides the release index filename.
func WithDirIndexFile(name string) DirOpt {
	return func(s *DirSource) {
		s.indexFile = name
	}
}

// NewDir creates a source reading releases from dir.
func NewDir(dir string, opts ...DirOpt) *DirSource {
	s := &DirSource{
		fs:        afero.NewOsFs(),
		dir:       dir,
		indexFile: IndexFilename,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate discards the cached release index so the next call
// re-reads it from disk.
func (s *DirSource) Invalidate() {
	s.mu.Lock()
	s.index = nil
	s.mu.Unlock()
}

// ReleaseVersion returns the version declared by the release index.
func (s *DirSource) ReleaseVersion(_ context.Context) (uint64, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return idx.version, nil
}

// Targets returns the target set declared by the release index,
// sorted by name.
func (s *DirSource) Targets(_ context.Context) ([]Target, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	targets := make([]Target, len(idx.targets))
	copy(targets, idx.targets)
	return targets, nil
}

// Contains reports whether name is declared by the cached release
// index. Returns false before the index has been read.
func (s *DirSource) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index != nil && s.index.contains(name)
}

// Open returns a reader for the named target's bytes.
func (s *DirSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}

	f, err := s.fs.Open(filepath.Join(s.dir, "targets", filepath.FromSlash(name)))
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	return f, nil
}

func (s *DirSource) loadIndex() (*releaseIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}

	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, s.indexFile))
	if err != nil {
		return nil, fmt.Errorf("read release index: %w", err)
	}
	idx, err := parseIndex(data)
	if err != nil {
		return nil, err
	}
	s.index = idx
	return idx, nil
}
