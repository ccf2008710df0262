/*
unit.go - The unit of work

PURPOSE:
  One scoped-transaction helper that every reward, spend and workflow write
  path goes through. Atomicity, timeouts, tracing and error classification
  are implemented here once instead of per call site.

SEMANTICS:
  - fn runs inside TxStore.WithTx; returning an error rolls everything back
  - the unit has a deadline (DefaultUnitTimeout unless overridden)
  - domain errors (duplicate, insufficient, not found...) pass through
  - anything else becomes a *StorageError (errors.Is ErrStorageFailure)
  - nothing is retried here: a failure after commit but before the caller
    sees the result must be resolved by re-checking idempotency state

USAGE:
  err := generic.RunUnit(ctx, store, generic.UnitOptions{Name: "review.submit"},
      func(ctx context.Context, tx generic.Store) error {
          return tx.InsertReview(ctx, review)
      })
*/
package generic

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/warp/rewards-ledger/generic")

// DefaultUnitTimeout bounds every unit of work. Units touch one balance row
// and a handful of event rows, so anything slower is a fault.
const DefaultUnitTimeout = 5 * time.Second

// UnitOptions configures a unit of work.
type UnitOptions struct {
	Name    string
	Timeout time.Duration
}

// RunUnit executes fn atomically against store.
func RunUnit(ctx context.Context, store TxStore, opts UnitOptions, fn func(ctx context.Context, tx Store) error) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUnitTimeout
	}
	if opts.Name == "" {
		opts.Name = "unit"
	}

	ctx, span := tracer.Start(ctx, "unit "+opts.Name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	err := classify(opts.Name, store.WithTx(ctx, func(tx Store) error {
		return fn(ctx, tx)
	}))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("ledger.retryable", IsRetryable(err)))
		if IsRetryable(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

func classify(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
