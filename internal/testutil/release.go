// Package testutil holds helpers for building release fixtures in
// tests: hashed targets, index documents, and populated source trees
// on afero filesystems.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// SHA256 returns the raw sha256 digest of content.
func SHA256(content []byte) []byte {
	sum := sha256.Sum256(content)
	return sum[:]
}

// SHA256Hex returns the hex-encoded sha256 digest of content.
func SHA256Hex(content []byte) string {
	return hex.EncodeToString(SHA256(content))
}

// IndexTarget is one target entry for BuildIndex.
type IndexTarget struct {
	Name    string
	Content []byte
}

// BuildIndex renders a release index document declaring the given
// targets, with lengths and hashes derived from their contents.
func BuildIndex(version uint64, targets ...IndexTarget) []byte {
	entries := make(map[string]map[string]any, len(targets))
	for _, t := range targets {
		entries[t.Name] = map[string]any{
			"length": len(t.Content),
			"hash":   SHA256Hex(t.Content),
		}
	}
	data, err := json.Marshal(map[string]any{
		"version": version,
		"targets": entries,
	})
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal index: %v", err))
	}
	return data
}

// WriteRelease materializes a full release under dir on fs: the index
// at <dir>/release.json and each target at <dir>/targets/<name>.
func WriteRelease(fs afero.Fs, dir string, version uint64, targets ...IndexTarget) error {
	if err := afero.WriteFile(fs, filepath.Join(dir, "release.json"), BuildIndex(version, targets...), 0o644); err != nil {
		return err
	}
	for _, t := range targets {
		path := filepath.Join(dir, "targets", filepath.FromSlash(t.Name))
		if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(fs, path, t.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
