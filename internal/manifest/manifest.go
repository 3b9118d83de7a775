package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// HexBytes is a raw digest that serializes as a lowercase hex string.
type HexBytes []byte

// MarshalJSON encodes the digest as a hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON decodes a hex string into raw digest bytes.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex digest: %w", err)
	}
	*h = raw
	return nil
}

// Equal compares two digests byte for byte.
func (h HexBytes) Equal(other []byte) bool {
	return bytes.Equal(h, other)
}

// Entry records the last successfully applied state of one target file.
type Entry struct {
	Length uint64   `json:"length"`
	Hash   HexBytes `json:"hash"`
}

// Manifest is the durable record of local update state: which targets
// exist on disk, the release version they were reconciled toward, and
// whether that reconciliation fully succeeded.
type Manifest struct {
	Files            map[string]Entry `json:"files"`
	Version          uint64           `json:"version"`
	IncompleteUpdate bool             `json:"incomplete_update"`
}

// New returns a fresh manifest that demands a full update: version 1,
// incomplete, no recorded files.
func New() *Manifest {
	return &Manifest{
		Files:            make(map[string]Entry),
		Version:          1,
		IncompleteUpdate: true,
	}
}

// Load reads and parses a manifest from path.
func Load(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == 0 {
		return nil, fmt.Errorf("parse manifest: version must be positive")
	}
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	return &m, nil
}

// LoadOrNew reads a manifest from path, degrading to a fresh manifest
// on any read or parse failure. A fresh manifest forces the next pass
// to re-apply every target, which is always safe.
func LoadOrNew(fs afero.Fs, path string) *Manifest {
	m, err := Load(fs, path)
	if err != nil {
		return New()
	}
	return m
}

// Save atomically persists the manifest to path: the JSON is written
// to a temp file in the same directory, synced, and renamed over the
// destination so a crash can never leave a half-written manifest.
func (m *Manifest) Save(fs afero.Fs, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}

// SetTarget upserts the recorded state for one target.
func (m *Manifest) SetTarget(name string, length uint64, hash []byte) {
	m.Files[name] = Entry{
		Length: length,
		Hash:   append(HexBytes(nil), hash...),
	}
}

// RemoveTarget drops the entry for name, if present.
func (m *Manifest) RemoveTarget(name string) {
	delete(m.Files, name)
}

// ContainsTarget reports whether an entry exists for name.
func (m *Manifest) ContainsTarget(name string) bool {
	_, ok := m.Files[name]
	return ok
}

// RetainTargets removes every entry whose name fails keep.
func (m *Manifest) RetainTargets(keep func(name string) bool) {
	for name := range m.Files {
		if !keep(name) {
			delete(m.Files, name)
		}
	}
}

// IsTargetUpdated reports whether the recorded entry for name already
// matches the given length and hash. Both must match: a length-only
// collision between two different contents must not skip a download.
func (m *Manifest) IsTargetUpdated(name string, length uint64, hash []byte) bool {
	entry, ok := m.Files[name]
	if !ok {
		return false
	}
	return entry.Length == length && entry.Hash.Equal(hash)
}

// IsUpdated reports whether this manifest reflects a fully completed
// reconciliation against version. An incomplete manifest never
// satisfies IsUpdated, including for its own recorded version.
func (m *Manifest) IsUpdated(version uint64) bool {
	return m.Version == version && !m.IncompleteUpdate
}

// UpdateVersion records the release version being reconciled toward.
func (m *Manifest) UpdateVersion(version uint64) {
	m.Version = version
}

// SetUpdateCompleteResult records whether the pass that produced this
// manifest fully succeeded.
func (m *Manifest) SetUpdateCompleteResult(success bool) {
	m.IncompleteUpdate = !success
}
