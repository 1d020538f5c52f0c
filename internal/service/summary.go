package service

import (
	"time"

	"github.com/rs/zerolog"
)

// State is the polling driver's position within a pass.
type State string

const (
	StateIdle               State = "idle"
	StateDiscovering        State = "discovering"
	StateReconciling        State = "reconciling"
	StateRecheckFetching    State = "recheck_fetching"
	StateRecheckReconciling State = "recheck_reconciling"
)

// Summary reports what one pass did.
type Summary struct {
	PassID   string
	Started  time.Time
	Finished time.Time

	Discovered int
	Updated    int
	Completed  int
	Expired    int
	Unchanged  int
	Filtered   int
	Skipped    int

	FetchErrors     int
	ReconcileErrors int
	PersistErrors   int

	// Aborted is set when a transient persistence failure or cancellation
	// cut the pass short.
	Aborted bool
	// LockHeld is set when another process held the pass lock and nothing ran.
	LockHeld bool
}

// Errors is the total across all error categories.
func (s Summary) Errors() int {
	return s.FetchErrors + s.ReconcileErrors + s.PersistErrors
}

// MarshalZerologObject lets a summary be logged as one object.
func (s Summary) MarshalZerologObject(e *zerolog.Event) {
	e.Str("pass_id", s.PassID).
		Dur("duration", s.Finished.Sub(s.Started)).
		Int("discovered", s.Discovered).
		Int("updated", s.Updated).
		Int("completed", s.Completed).
		Int("expired", s.Expired).
		Int("unchanged", s.Unchanged).
		Int("filtered", s.Filtered).
		Int("skipped", s.Skipped).
		Int("fetch_errors", s.FetchErrors).
		Int("reconcile_errors", s.ReconcileErrors).
		Int("persist_errors", s.PersistErrors).
		Bool("aborted", s.Aborted)
}
