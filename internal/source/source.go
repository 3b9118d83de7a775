package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Target is the remote-declared expected state of one file. The name,
// length, and hash arrive already verified by the trust layer.
type Target struct {
	Name   string
	Length uint64
	Hash   []byte
}

// Source supplies the verified target set for a release and the raw
// bytes of individual targets. Implementations cache the release index
// after the first read so ReleaseVersion, Targets, and Contains agree
// with each other for the duration of a pass.
type Source interface {
	// ReleaseVersion returns the positive, monotonically increasing
	// version of the current release.
	ReleaseVersion(ctx context.Context) (uint64, error)
	// Targets returns every target declared by the current release.
	Targets(ctx context.Context) ([]Target, error)
	// Contains reports whether name is declared by the current release.
	Contains(name string) bool
	// Open returns a reader for the raw bytes of the named target.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FetchError wraps a failure to retrieve one target's bytes.
type FetchError struct {
	Name string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch target %q: %v", e.Name, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ValidateName checks that a target name is safe to use as a path
// below the distribution directory. Names are slash-separated,
// relative, and may not contain empty, ".", or ".." segments or
// backslashes. Names are untrusted input: a crafted name must not be
// able to escape the distribution directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("target name is empty")
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("target name %q is absolute", name)
	}
	if strings.Contains(name, `\`) {
		return fmt.Errorf("target name %q contains a backslash", name)
	}
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "":
			return fmt.Errorf("target name %q contains an empty segment", name)
		case ".", "..":
			return fmt.Errorf("target name %q contains a %q segment", name, seg)
		}
	}
	if path.Clean(name) != name {
		return fmt.Errorf("target name %q is not in canonical form", name)
	}
	return nil
}
