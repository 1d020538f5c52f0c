package auction

import (
	"errors"
	"fmt"
)

// ErrorCategory groups failures by how a pass reacts to them.
type ErrorCategory string

const (
	CategoryNone           ErrorCategory = ""
	CategoryFetch          ErrorCategory = "fetch"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryPersistence    ErrorCategory = "persistence"
	CategoryConfiguration  ErrorCategory = "configuration"
)

// FetchError is a network, timeout or page-level failure from a source. It
// is recovered on the next scheduled pass, never retried inline.
type FetchError struct {
	Op        string
	AuctionID string
	Err       error
}

func (e *FetchError) Error() string {
	if e.AuctionID != "" {
		return fmt.Sprintf("fetch %s %s: %v", e.Op, e.AuctionID, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError rejects one malformed snapshot. The rest of the batch goes on.
type ParseError struct {
	AuctionID string
	Field     string
	Reason    string
}

func (e *ParseError) Error() string {
	if e.AuctionID == "" {
		return fmt.Sprintf("malformed snapshot: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed snapshot %s: %s %s", e.AuctionID, e.Field, e.Reason)
}

// PersistenceError wraps a failed transaction for one auction. Transient
// errors abort the rest of the pass.
type PersistenceError struct {
	AuctionID string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	kind := "structural"
	if e.Transient {
		kind = "transient"
	}
	if e.AuctionID == "" {
		return fmt.Sprintf("persist (%s): %v", kind, e.Err)
	}
	return fmt.Sprintf("persist %s (%s): %v", e.AuctionID, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a persistence failure worth abandoning
// the current pass for.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient
}

// Classify maps err onto the pass summary categories.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var (
		fe *FetchError
		pe *ParseError
		se *PersistenceError
	)
	switch {
	case errors.As(err, &pe):
		return CategoryReconciliation
	case errors.As(err, &fe):
		return CategoryFetch
	case errors.As(err, &se):
		return CategoryPersistence
	}
	var ce interface{ ConfigurationError() bool }
	if errors.As(err, &ce) && ce.ConfigurationError() {
		return CategoryConfiguration
	}
	return CategoryFetch
}
