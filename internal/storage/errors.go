package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage core boundary. Callers match with
// errors.Is; wrapped causes stay reachable through the chain.
var (
	// ErrNotInitialized reports an entry point called while the
	// connection is not in the Open state.
	ErrNotInitialized = errors.New("storage not initialized")
	// ErrConnection reports a failure to open or upgrade the backend.
	// Fatal to Init.
	ErrConnection = errors.New("storage connection failed")
	// ErrStoreNotFound reports an operation against an undefined store.
	ErrStoreNotFound = errors.New("store not found")
	// ErrRecordNotFound reports an update against an absent record.
	ErrRecordNotFound = errors.New("record not found")
	// ErrValidation reports malformed operation arguments.
	ErrValidation = errors.New("invalid arguments")
	// ErrTimeout reports a query that exceeded its deadline. The logical
	// wait is abandoned; backend-side work already issued is not
	// guaranteed to be cancelled.
	ErrTimeout = errors.New("query timed out")
)

// TransactionError reports a transactional batch that failed with
// rollback-on-error set. It wraps the first operation failure and
// carries the rollback outcome.
type TransactionError struct {
	// BatchID correlates the failure with emitted error events.
	BatchID string
	// FailedIndex is the position of the failing operation.
	FailedIndex int
	// Cause is the original operation failure.
	Cause error
	// Compensated counts prior creates that were successfully undone.
	Compensated int
	// CompensationFailures holds compensating deletes that themselves
	// failed. Those are logged, never retried, and never mask Cause.
	CompensationFailures []error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed at operation %d (batch=%s, compensated=%d, compensation failures=%d): %v",
		e.FailedIndex, e.BatchID, e.Compensated, len(e.CompensationFailures), e.Cause)
}

func (e *TransactionError) Unwrap() error { return e.Cause }
