package update

// Event is one lifecycle notification emitted during a reconciliation
// pass.
type Event interface {
	progressEvent()
}

// StartFileDownload is emitted before a target's bytes are fetched.
type StartFileDownload struct {
	Name string
}

// FileProgress is emitted as a target's bytes arrive.
type FileProgress struct {
	Done  uint64
	Total uint64
}

// FinishFileDownload is emitted after a target has been written into
// the distribution directory.
type FinishFileDownload struct{}

// FinishUpdate is emitted once at the end of a pass, after the
// manifest has been persisted.
type FinishUpdate struct{}

func (StartFileDownload) progressEvent()  {}
func (FileProgress) progressEvent()       {}
func (FinishFileDownload) progressEvent() {}
func (FinishUpdate) progressEvent()       {}

// Watcher receives progress events during reconciliation. Watchers are
// side-effect only: they cannot fail a pass or mutate its state, and
// reconciliation behaves identically with no watcher attached.
type Watcher interface {
	UpdateProgress(event Event)
}

// progressWriter emits FileProgress events as bytes pass through it.
type progressWriter struct {
	watcher Watcher
	total   uint64
	done    uint64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += uint64(len(p))
	if w.watcher != nil {
		w.watcher.UpdateProgress(FileProgress{Done: w.done, Total: w.total})
	}
	return len(p), nil
}
