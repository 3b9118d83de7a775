package update

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/mfeller/relupd/internal/manifest"
	"github.com/mfeller/relupd/internal/source"
	"github.com/mfeller/relupd/internal/testutil"
)

// fakeSource implements source.Source from in-memory data.
type fakeSource struct {
	version    uint64
	versionErr error
	targets    []source.Target
	data       map[string][]byte
	fetchErr   map[string]error
	opens      int
}

func newFakeSource(version uint64, targets ...testutil.IndexTarget) *fakeSource {
	s := &fakeSource{
		version:  version,
		data:     make(map[string][]byte, len(targets)),
		fetchErr: make(map[string]error),
	}
	for _, t := range targets {
		s.targets = append(s.targets, source.Target{
			Name:   t.Name,
			Length: uint64(len(t.Content)),
			Hash:   testutil.SHA256(t.Content),
		})
		s.data[t.Name] = t.Content
	}
	return s
}

func (s *fakeSource) ReleaseVersion(_ context.Context) (uint64, error) {
	return s.version, s.versionErr
}

func (s *fakeSource) Targets(_ context.Context) ([]source.Target, error) {
	return s.targets, nil
}

func (s *fakeSource) Contains(name string) bool {
	_, ok := s.data[name]
	return ok
}

func (s *fakeSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.opens++
	if err, ok := s.fetchErr[name]; ok {
		return nil, &source.FetchError{Name: name, Err: err}
	}
	content, ok := s.data[name]
	if !ok {
		return nil, &source.FetchError{Name: name, Err: errors.New("no such target")}
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// recordingWatcher captures every progress event.
type recordingWatcher struct {
	events []Event
}

func (w *recordingWatcher) UpdateProgress(event Event) {
	w.events = append(w.events, event)
}

// fakeReplacer records displaced paths.
type fakeReplacer struct {
	fs    afero.Fs
	paths []string
	err   error
}

func (r *fakeReplacer) Displace(path string) error {
	r.paths = append(r.paths, path)
	if r.err != nil {
		return r.err
	}
	return r.fs.Remove(path)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const (
	manifestPath = "/state/manifest.json"
	distDir      = "/dist"
)

func newTestUpdater(src source.Source, fs afero.Fs, opts ...Opt) *Updater {
	opts = append([]Opt{WithFilesystem(fs), WithLogger(testLogger())}, opts...)
	return NewUpdater(src, manifestPath, distDir, opts...)
}

func readDist(t *testing.T, fs afero.Fs, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, distDir+"/"+name)
	require.NoError(t, err)
	return data
}

func TestUpdateFreshApply(t *testing.T) {
	src := newFakeSource(2,
		testutil.IndexTarget{Name: "app", Content: []byte("app v2")},
		testutil.IndexTarget{Name: "conf/app.yaml", Content: []byte("settings")},
	)
	fs := afero.NewMemMapFs()
	watcher := &recordingWatcher{}

	result, err := newTestUpdater(src, fs, WithWatcher(watcher)).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 2, result.Report.UpdatedFiles)
	require.Equal(t, 0, result.Report.DeletedFiles)
	require.Empty(t, result.Errors)

	require.Equal(t, []byte("app v2"), readDist(t, fs, "app"))
	require.Equal(t, []byte("settings"), readDist(t, fs, "conf/app.yaml"))

	m, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.True(t, m.IsUpdated(2))
	require.True(t, m.ContainsTarget("app"))
	require.True(t, m.ContainsTarget("conf/app.yaml"))

	// Events: per-target start/progress/finish, FinishUpdate last.
	require.IsType(t, StartFileDownload{}, watcher.events[0])
	require.Equal(t, FinishUpdate{}, watcher.events[len(watcher.events)-1])
}

func TestUpdateAlreadyUpdated(t *testing.T) {
	src := newFakeSource(3, testutil.IndexTarget{Name: "app", Content: []byte("x")})
	fs := afero.NewMemMapFs()

	m := manifest.New()
	m.SetTarget("app", 1, testutil.SHA256([]byte("x")))
	m.UpdateVersion(3)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(fs, manifestPath))

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyUpdated, result.Status)
	require.Zero(t, src.opens, "no fetches on an up-to-date manifest")

	// No distribution directory was even created.
	exists, err := afero.DirExists(fs, distDir)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUpdateIncompleteManifestForcesRetry(t *testing.T) {
	// An incomplete manifest at the release version must not
	// short-circuit.
	content := []byte("app v3")
	src := newFakeSource(3, testutil.IndexTarget{Name: "app", Content: content})
	fs := afero.NewMemMapFs()

	m := manifest.New()
	m.UpdateVersion(3)
	m.SetUpdateCompleteResult(false)
	require.NoError(t, m.Save(fs, manifestPath))

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 1, result.Report.UpdatedFiles)
}

func TestUpdateIdempotent(t *testing.T) {
	src := newFakeSource(2, testutil.IndexTarget{Name: "app", Content: []byte("app")})
	fs := afero.NewMemMapFs()
	u := newTestUpdater(src, fs)

	result, err := u.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	opens := src.opens

	result, err = u.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyUpdated, result.Status)
	require.Equal(t, opens, src.opens, "second pass must not fetch")
}

func TestUpdateChangedContentSameLength(t *testing.T) {
	// Same length, different hash: the target must be re-downloaded.
	oldContent := []byte("version-01")
	newContent := []byte("version-02")
	require.Equal(t, len(oldContent), len(newContent))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, distDir+"/a", oldContent, 0o644))

	m := manifest.New()
	m.SetTarget("a", uint64(len(oldContent)), testutil.SHA256(oldContent))
	m.UpdateVersion(1)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(fs, manifestPath))

	src := newFakeSource(2,
		testutil.IndexTarget{Name: "a", Content: newContent},
		testutil.IndexTarget{Name: "b", Content: []byte("fresh")},
	)

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 2, result.Report.UpdatedFiles)

	require.Equal(t, newContent, readDist(t, fs, "a"))
	require.Equal(t, []byte("fresh"), readDist(t, fs, "b"))

	got, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.True(t, got.IsUpdated(2))
}

func TestUpdateDeletesStaleTargets(t *testing.T) {
	keep := []byte("keep me")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, distDir+"/a", keep, 0o644))
	require.NoError(t, afero.WriteFile(fs, distDir+"/b", []byte("stale"), 0o644))

	m := manifest.New()
	m.SetTarget("a", uint64(len(keep)), testutil.SHA256(keep))
	m.SetTarget("b", 5, testutil.SHA256([]byte("stale")))
	m.UpdateVersion(1)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(fs, manifestPath))

	src := newFakeSource(2, testutil.IndexTarget{Name: "a", Content: keep})

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 0, result.Report.UpdatedFiles)
	require.Equal(t, 1, result.Report.DeletedFiles)

	exists, err := afero.Exists(fs, distDir+"/b")
	require.NoError(t, err)
	require.False(t, exists)

	got, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.False(t, got.ContainsTarget("b"))
	require.True(t, got.ContainsTarget("a"))
}

func TestUpdateDeleteMissingFileIsNoop(t *testing.T) {
	// Entry recorded but file already gone from disk: the entry is
	// dropped without error.
	fs := afero.NewMemMapFs()

	m := manifest.New()
	m.SetTarget("gone", 4, []byte{0x01})
	m.UpdateVersion(1)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(fs, manifestPath))

	src := newFakeSource(2)

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 1, result.Report.DeletedFiles)

	got, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.False(t, got.ContainsTarget("gone"))
}

func TestUpdatePartialFailure(t *testing.T) {
	src := newFakeSource(2,
		testutil.IndexTarget{Name: "a", Content: []byte("aaa")},
		testutil.IndexTarget{Name: "b", Content: []byte("bbb")},
		testutil.IndexTarget{Name: "c", Content: []byte("ccc")},
	)
	src.fetchErr["c"] = errors.New("connection reset")
	fs := afero.NewMemMapFs()

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Equal(t, 2, result.Report.UpdatedFiles)
	require.Len(t, result.Errors, 1)

	var targetErr *TargetError
	require.ErrorAs(t, result.Errors[0], &targetErr)
	require.Equal(t, "c", targetErr.Name)
	require.Equal(t, "update", targetErr.Op)

	require.Equal(t, []byte("aaa"), readDist(t, fs, "a"))
	require.Equal(t, []byte("bbb"), readDist(t, fs, "b"))

	m, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.True(t, m.ContainsTarget("a"))
	require.True(t, m.ContainsTarget("b"))
	require.False(t, m.ContainsTarget("c"))
	require.True(t, m.IncompleteUpdate)
	require.EqualValues(t, 2, m.Version, "version advances even on partial failure")
	require.False(t, m.IsUpdated(2))

	// After the source recovers, the retry fetches only c.
	delete(src.fetchErr, "c")
	opens := src.opens
	result, err = newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, 1, result.Report.UpdatedFiles)
	require.Equal(t, opens+1, src.opens)
}

func TestUpdateHashMismatch(t *testing.T) {
	src := newFakeSource(2, testutil.IndexTarget{Name: "app", Content: []byte("declared")})
	// The source serves different bytes of the same length.
	src.data["app"] = []byte("tampered")
	fs := afero.NewMemMapFs()

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Len(t, result.Errors, 1)
	require.ErrorContains(t, result.Errors[0], "hash mismatch")

	exists, err := afero.Exists(fs, distDir+"/app")
	require.NoError(t, err)
	require.False(t, exists, "mismatched content must not be installed")
}

func TestUpdateLengthMismatch(t *testing.T) {
	src := newFakeSource(2, testutil.IndexTarget{Name: "app", Content: []byte("declared content")})
	src.data["app"] = []byte("short")
	fs := afero.NewMemMapFs()

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Len(t, result.Errors, 1)
	require.ErrorContains(t, result.Errors[0], "length mismatch")
}

func TestUpdateSelfTarget(t *testing.T) {
	content := []byte("new binary")
	src := newFakeSource(2, testutil.IndexTarget{Name: "relupd", Content: content})
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, distDir+"/relupd", []byte("old binary"), 0o755))

	replacer := &fakeReplacer{fs: fs}
	u := newTestUpdater(src, fs,
		WithSelfTarget("relupd"),
		WithSelfReplacer(replacer),
	)

	result, err := u.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, result.Status)
	require.Equal(t, []string{distDir + "/relupd"}, replacer.paths)
	require.Equal(t, content, readDist(t, fs, "relupd"))
}

func TestUpdateSelfReplaceFailure(t *testing.T) {
	src := newFakeSource(2,
		testutil.IndexTarget{Name: "other", Content: []byte("fine")},
		testutil.IndexTarget{Name: "relupd", Content: []byte("new binary")},
	)
	fs := afero.NewMemMapFs()
	old := []byte("old binary")
	require.NoError(t, afero.WriteFile(fs, distDir+"/relupd", old, 0o755))

	replacer := &fakeReplacer{fs: fs, err: errors.New("exe is locked")}
	u := newTestUpdater(src, fs,
		WithSelfTarget("relupd"),
		WithSelfReplacer(replacer),
	)

	result, err := u.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Len(t, result.Errors, 1)

	var targetErr *TargetError
	require.ErrorAs(t, result.Errors[0], &targetErr)
	require.Equal(t, "relupd", targetErr.Name)

	// The sibling target still applied; the old binary is intact.
	require.Equal(t, []byte("fine"), readDist(t, fs, "other"))
	require.Equal(t, old, readDist(t, fs, "relupd"))
}

// removeFailFs fails Remove for one path.
type removeFailFs struct {
	afero.Fs
	path string
}

func (f *removeFailFs) Remove(name string) error {
	if name == f.path {
		return errors.New("permission denied")
	}
	return f.Fs.Remove(name)
}

func TestUpdateDeleteFailureKeepsEntry(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, distDir+"/stuck", []byte("x"), 0o644))

	m := manifest.New()
	m.SetTarget("stuck", 1, testutil.SHA256([]byte("x")))
	m.UpdateVersion(1)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(base, manifestPath))

	src := newFakeSource(2)
	fs := &removeFailFs{Fs: base, path: distDir + "/stuck"}

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Equal(t, 0, result.Report.DeletedFiles)
	require.Len(t, result.Errors, 1)

	var targetErr *TargetError
	require.ErrorAs(t, result.Errors[0], &targetErr)
	require.Equal(t, "stuck", targetErr.Name)
	require.Equal(t, "delete", targetErr.Op)

	// Both the file and its manifest entry survive for the retry.
	got, err := manifest.Load(base, manifestPath)
	require.NoError(t, err)
	require.True(t, got.ContainsTarget("stuck"))
	require.True(t, got.IncompleteUpdate)

	exists, err := afero.Exists(base, distDir+"/stuck")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUpdateUnsafeTargetName(t *testing.T) {
	src := newFakeSource(2)
	src.targets = append(src.targets, source.Target{
		Name:   "../../etc/cron.d/evil",
		Length: 4,
		Hash:   testutil.SHA256([]byte("evil")),
	})
	src.data["../../etc/cron.d/evil"] = []byte("evil")
	fs := afero.NewMemMapFs()

	result, err := newTestUpdater(src, fs).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, result.Status)
	require.Len(t, result.Errors, 1)
	require.Zero(t, src.opens, "unsafe name must be rejected before fetching")
}

func TestUpdateDryRun(t *testing.T) {
	src := newFakeSource(2, testutil.IndexTarget{Name: "app", Content: []byte("new")})
	fs := afero.NewMemMapFs()

	m := manifest.New()
	m.SetTarget("stale", 1, []byte{0x01})
	m.UpdateVersion(1)
	m.SetUpdateCompleteResult(true)
	require.NoError(t, m.Save(fs, manifestPath))

	result, err := newTestUpdater(src, fs, WithDryRun(true)).Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDryRun, result.Status)
	require.Equal(t, 1, result.Report.UpdatedFiles)
	require.Equal(t, 1, result.Report.DeletedFiles)
	require.Zero(t, src.opens)

	// Manifest untouched.
	got, err := manifest.Load(fs, manifestPath)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)
	require.True(t, got.ContainsTarget("stale"))
}

func TestUpdateSourceVersionError(t *testing.T) {
	src := newFakeSource(1)
	src.versionErr = errors.New("mirror unreachable")

	_, err := newTestUpdater(src, afero.NewMemMapFs()).Update(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "release version")
}

func TestUpdateProgressEvents(t *testing.T) {
	content := []byte("0123456789")
	src := newFakeSource(2, testutil.IndexTarget{Name: "app", Content: content})
	fs := afero.NewMemMapFs()
	watcher := &recordingWatcher{}

	_, err := newTestUpdater(src, fs, WithWatcher(watcher)).Update(context.Background())
	require.NoError(t, err)

	require.Equal(t, StartFileDownload{Name: "app"}, watcher.events[0])

	var sawProgress, sawFinishFile bool
	for _, event := range watcher.events {
		switch e := event.(type) {
		case FileProgress:
			sawProgress = true
			require.EqualValues(t, len(content), e.Total)
			require.LessOrEqual(t, e.Done, e.Total)
		case FinishFileDownload:
			sawFinishFile = true
		}
	}
	require.True(t, sawProgress)
	require.True(t, sawFinishFile)
	require.Equal(t, FinishUpdate{}, watcher.events[len(watcher.events)-1])
}
