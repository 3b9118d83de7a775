package update

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// SelfReplacer displaces the file backing the currently running
// executable so new bytes can be written at its path. A running binary
// cannot be overwritten in place on every platform, but its directory
// entry can be renamed away while the process keeps executing the old
// image.
type SelfReplacer interface {
	// Displace moves the file at path out of the way. It must leave the
	// running process intact; failure aborts only the affected target's
	// update.
	Displace(path string) error
}

// RenameReplacer implements SelfReplacer by renaming the executable
// aside and then removing the displaced copy best-effort.
type RenameReplacer struct {
	fs afero.Fs
}

// NewRenameReplacer creates a replacer operating on fs.
func NewRenameReplacer(fs afero.Fs) *RenameReplacer {
	return &RenameReplacer{fs: fs}
}

// Displace renames path to a pid-suffixed sibling and attempts to
// remove it. The removal may fail on platforms that lock the mapped
// binary; the rename alone is enough to free the path.
func (r *RenameReplacer) Displace(path string) error {
	if _, err := r.fs.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat current executable: %w", err)
	}

	displaced := fmt.Sprintf("%s.old.%d", path, os.Getpid())
	if err := r.fs.Rename(path, displaced); err != nil {
		return fmt.Errorf("rename current executable aside: %w", err)
	}
	_ = r.fs.Remove(displaced)
	return nil
}
