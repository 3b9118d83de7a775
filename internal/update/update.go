package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/mfeller/relupd/internal/manifest"
	"github.com/mfeller/relupd/internal/source"
)

// Updater reconciles the local distribution directory against the
// target set declared by a release source. The manifest is the sole
// record of what has been applied; the updater never scans the
// distribution directory itself.
//
// A single Updater supports one pass at a time. Callers running
// repeated passes (e.g. from a trigger server) must serialize calls to
// Update.
type Updater struct {
	src          source.Source
	manifestPath string
	distDir      string
	selfTarget   string
	fs           afero.Fs
	watcher      Watcher
	replacer     SelfReplacer
	logger       *slog.Logger
	dryRun       bool
}

// Opt configures an Updater.
type Opt func(*Updater)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Opt {
	return func(u *Updater) {
		u.logger = logger
	}
}

// WithFilesystem replaces the OS filesystem, for tests.
func WithFilesystem(fs afero.Fs) Opt {
	return func(u *Updater) {
		u.fs = fs
	}
}

// WithWatcher attaches a progress watcher. Passing nil is equivalent
// to attaching none.
func WithWatcher(w Watcher) Opt {
	return func(u *Updater) {
		u.watcher = w
	}
}

// WithSelfTarget names the target that corresponds to the running
// executable. When that target needs updating, the existing file is
// displaced via the SelfReplacer before the new bytes are moved in.
func WithSelfTarget(name string) Opt {
	return func(u *Updater) {
		u.selfTarget = name
	}
}

// WithSelfReplacer replaces the default rename-based self replacer.
func WithSelfReplacer(r SelfReplacer) Opt {
	return func(u *Updater) {
		u.replacer = r
	}
}

// WithDryRun makes Update log the planned operations without touching
// disk or manifest.
func WithDryRun(dryRun bool) Opt {
	return func(u *Updater) {
		u.dryRun = dryRun
	}
}

// NewUpdater creates an updater that records state in the manifest at
// manifestPath and materializes targets under distDir.
func NewUpdater(src source.Source, manifestPath, distDir string, opts ...Opt) *Updater {
	u := &Updater{
		src:          src,
		manifestPath: manifestPath,
		distDir:      distDir,
		fs:           afero.NewOsFs(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.replacer == nil {
		u.replacer = NewRenameReplacer(u.fs)
	}
	return u
}

// Update executes one reconciliation pass.
//
// Per-target download and delete failures are collected into an
// incomplete result; they never abort the pass. Errors reading the
// release or loading/saving the manifest are fatal and returned
// directly; without a durably recorded manifest the local state
// cannot be trusted, so no manifest update is persisted at all.
func (u *Updater) Update(ctx context.Context) (*Result, error) {
	start := time.Now()

	version, err := u.src.ReleaseVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read release version: %w", err)
	}
	targets, err := u.src.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("read target set: %w", err)
	}

	m := manifest.LoadOrNew(u.fs, u.manifestPath)

	if m.IsUpdated(version) {
		u.logger.Info("already up to date", "version", version)
		return &Result{Status: StatusAlreadyUpdated}, nil
	}

	u.logger.Info("starting update",
		"version", version,
		"manifest_version", m.Version,
		"targets", len(targets))

	if u.dryRun {
		return u.planOnly(m, targets, start), nil
	}

	updated, errs := u.updateTargets(ctx, m, targets)
	deleted, deleteErrs := u.deleteStaleTargets(m, targets)
	errs = append(errs, deleteErrs...)

	m.SetUpdateCompleteResult(len(errs) == 0)
	m.UpdateVersion(version)
	if err := m.Save(u.fs, u.manifestPath); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	u.emit(FinishUpdate{})

	report := Report{
		UpdatedFiles: updated,
		DeletedFiles: deleted,
		Elapsed:      time.Since(start),
	}
	if len(errs) > 0 {
		u.logger.Warn("update incomplete",
			"version", version,
			"updated", updated,
			"deleted", deleted,
			"errors", len(errs))
		return &Result{Status: StatusIncomplete, Report: report, Errors: errs}, nil
	}

	u.logger.Info("update complete",
		"version", version,
		"updated", updated,
		"deleted", deleted,
		"elapsed", report.Elapsed)
	return &Result{Status: StatusComplete, Report: report}, nil
}

// updateTargets downloads every target not already recorded in the
// manifest. Each failure is captured independently; the remaining
// targets are still attempted.
func (u *Updater) updateTargets(ctx context.Context, m *manifest.Manifest, targets []source.Target) (int, []error) {
	var (
		updated int
		errs    []error
	)
	for _, t := range targets {
		if m.IsTargetUpdated(t.Name, t.Length, t.Hash) {
			continue
		}
		if err := u.updateTarget(ctx, m, t); err != nil {
			errs = append(errs, &TargetError{Name: t.Name, Op: "update", Err: err})
			continue
		}
		updated++
	}
	return updated, errs
}

// updateTarget fetches one target, verifies its bytes against the
// declared length and hash, and moves it into the distribution
// directory. The manifest entry is upserted only after the file is in
// place.
func (u *Updater) updateTarget(ctx context.Context, m *manifest.Manifest, t source.Target) error {
	if err := source.ValidateName(t.Name); err != nil {
		return err
	}
	dest := filepath.Join(u.distDir, filepath.FromSlash(t.Name))

	u.logger.Info("updating target", "name", t.Name, "length", t.Length)
	u.emit(StartFileDownload{Name: t.Name})

	body, err := u.src.Open(ctx, t.Name)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := u.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	tmp, err := afero.TempFile(u.fs, filepath.Dir(dest), ".relupd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = u.fs.Remove(tmpPath)
	}()

	digest := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, digest, &progressWriter{watcher: u.watcher, total: t.Length}), body)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	mode := os.FileMode(0o644)
	if t.Name == u.selfTarget {
		mode = 0o755
	}
	if err := u.fs.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if uint64(n) != t.Length {
		return fmt.Errorf("length mismatch: got %d bytes, release declares %d", n, t.Length)
	}
	if sum := digest.Sum(nil); !bytes.Equal(sum, t.Hash) {
		return fmt.Errorf("content hash mismatch for %d bytes", n)
	}

	// The running binary cannot be overwritten in place; displace it
	// first so the rename below lands on a free path.
	if t.Name == u.selfTarget {
		u.logger.Info("displacing running executable", "name", t.Name, "path", dest)
		if err := u.replacer.Displace(dest); err != nil {
			return fmt.Errorf("self-replace: %w", err)
		}
	}

	if err := u.fs.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	u.emit(FinishFileDownload{})
	m.SetTarget(t.Name, t.Length, t.Hash)
	return nil
}

// deleteStaleTargets removes every file recorded in the manifest whose
// name is absent from the release. A file already missing from disk
// still counts as deleted; a failed removal keeps both the file and
// its manifest entry so the next pass retries.
func (u *Updater) deleteStaleTargets(m *manifest.Manifest, targets []source.Target) (int, []error) {
	names := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		names[t.Name] = struct{}{}
	}

	var (
		deleted int
		errs    []error
	)
	m.RetainTargets(func(name string) bool {
		if _, ok := names[name]; ok {
			return true
		}
		u.logger.Info("deleting stale target", "name", name)
		if err := u.deleteTarget(name); err != nil {
			errs = append(errs, &TargetError{Name: name, Op: "delete", Err: err})
			return true
		}
		deleted++
		return false
	})
	return deleted, errs
}

func (u *Updater) deleteTarget(name string) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	path := filepath.Join(u.distDir, filepath.FromSlash(name))
	if err := u.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// planOnly logs the operations a real pass would perform.
func (u *Updater) planOnly(m *manifest.Manifest, targets []source.Target, start time.Time) *Result {
	names := make(map[string]struct{}, len(targets))
	var updated int
	for _, t := range targets {
		names[t.Name] = struct{}{}
		if m.IsTargetUpdated(t.Name, t.Length, t.Hash) {
			continue
		}
		u.logger.Info("[dry-run] would update", "name", t.Name, "length", t.Length)
		updated++
	}
	var deleted int
	for name := range m.Files {
		if _, ok := names[name]; !ok {
			u.logger.Info("[dry-run] would delete", "name", name)
			deleted++
		}
	}
	u.logger.Info("dry-run complete, no changes applied", "updates", updated, "deletions", deleted)
	return &Result{
		Status: StatusDryRun,
		Report: Report{UpdatedFiles: updated, DeletedFiles: deleted, Elapsed: time.Since(start)},
	}
}

func (u *Updater) emit(event Event) {
	if u.watcher != nil {
		u.watcher.UpdateProgress(event)
	}
}
