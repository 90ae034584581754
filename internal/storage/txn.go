package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/satchel/internal/record"
)

// OpKind selects the operation a transaction step performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpClear  OpKind = "clear"
)

// Operation is one step of a batch. Create takes Payload, Update takes
// Key and Payload, Delete takes Key, Clear takes neither. When
// RollbackOnError is set and the step fails, the batch aborts and every
// create already applied is compensated by a delete.
type Operation struct {
	Store           string
	Kind            OpKind
	Key             string
	Payload         record.Record
	RollbackOnError bool
}

// OpResult reports one step's outcome. Key carries the primary key the
// step resolved to, generated keys included.
type OpResult struct {
	Index int
	Store string
	Kind  OpKind
	Key   string
	Err   error
}

// Result is the outcome of a batch. Completed is true only when every
// step succeeded.
type Result struct {
	BatchID   string
	Results   []OpResult
	Completed bool
}

// Transaction runs the operations in order under one batch id. A failed
// step without RollbackOnError is recorded and the batch continues; with
// RollbackOnError the batch stops, creates applied so far are undone in
// reverse order, and the returned error is a TransactionError describing
// what happened. Compensation failures are logged and published as error
// events but not retried.
func (c *Core) Transaction(ctx context.Context, ops []Operation) (*Result, error) {
	if _, err := c.handle(); err != nil {
		return nil, err
	}

	res := &Result{
		BatchID: uuid.NewString(),
		Results: make([]OpResult, 0, len(ops)),
	}
	var created []OpResult
	failures := 0

	for i, op := range ops {
		key, err := c.applyOp(ctx, op)
		out := OpResult{Index: i, Store: op.Store, Kind: op.Kind, Key: key, Err: err}
		res.Results = append(res.Results, out)

		if err == nil {
			if op.Kind == OpCreate {
				created = append(created, out)
			}
			continue
		}

		failures++
		if !op.RollbackOnError {
			continue
		}

		terr := &TransactionError{
			BatchID:     res.BatchID,
			FailedIndex: i,
			Cause:       err,
		}
		c.compensate(ctx, res.BatchID, created, terr)
		c.logger.Error("transaction aborted",
			"batch", res.BatchID,
			"failedIndex", i,
			"compensated", terr.Compensated,
			"error", err)
		return res, terr
	}

	res.Completed = failures == 0
	return res, nil
}

// applyOp dispatches one step through the regular CRUD surface, so
// validation, caching, and events behave exactly as standalone calls.
func (c *Core) applyOp(ctx context.Context, op Operation) (string, error) {
	switch op.Kind {
	case OpCreate:
		return c.Add(ctx, op.Store, op.Payload)
	case OpUpdate:
		return c.Update(ctx, op.Store, op.Key, op.Payload)
	case OpDelete:
		return op.Key, c.Delete(ctx, op.Store, op.Key)
	case OpClear:
		return "", c.Clear(ctx, op.Store)
	default:
		return "", fmt.Errorf("%w: unknown operation kind %q", ErrValidation, op.Kind)
	}
}

// compensate undoes prior creates newest first. Updates and deletes are
// not compensated: the pre-image is gone by the time the batch fails.
func (c *Core) compensate(ctx context.Context, batchID string, created []OpResult, terr *TransactionError) {
	for i := len(created) - 1; i >= 0; i-- {
		op := created[i]
		if err := c.Delete(ctx, op.Store, op.Key); err != nil {
			terr.CompensationFailures = append(terr.CompensationFailures,
				fmt.Errorf("compensate %s/%s: %w", op.Store, op.Key, err))
			c.logger.Error("compensation failed",
				"batch", batchID,
				"store", op.Store,
				"key", op.Key,
				"error", err)
			continue
		}
		terr.Compensated++
	}
}
