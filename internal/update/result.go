package update

import (
	"fmt"
	"time"
)

// Status classifies the outcome of a reconciliation pass.
type Status string

const (
	// StatusAlreadyUpdated means the manifest already reflects a
	// complete reconciliation against the release version; nothing was
	// fetched or deleted.
	StatusAlreadyUpdated Status = "already-updated"
	// StatusComplete means every required download and deletion
	// succeeded.
	StatusComplete Status = "complete"
	// StatusIncomplete means at least one target failed; the manifest
	// was persisted with the incomplete flag set so the next pass
	// retries.
	StatusIncomplete Status = "incomplete"
	// StatusDryRun means the planned operations were logged without
	// touching disk or manifest.
	StatusDryRun Status = "dry-run"
)

// Report summarizes the work performed by one pass.
type Report struct {
	UpdatedFiles int
	DeletedFiles int
	Elapsed      time.Duration
}

// Result is the outcome of one reconciliation pass. Errors is non-nil
// only for StatusIncomplete and holds one TargetError per failed
// target.
type Result struct {
	Status Status
	Report Report
	Errors []error
}

// TargetError records the failure of a single target during a pass.
// Sibling targets are still attempted; TargetErrors are collected into
// the pass result instead of aborting it.
type TargetError struct {
	Name string
	Op   string // "update" or "delete"
	Err  error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s target %q: %v", e.Op, e.Name, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}
