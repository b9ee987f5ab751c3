// Package fanout runs independent operations concurrently for one synchronous call.
//
// Run returns as soon as the first operation fails. Operations already
// started are not cancelled: they run to completion in the background and
// their results are discarded. A batch is therefore not atomic; a failed
// batch may have applied any subset of its operations.
package fanout

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-nuts/pkg/blocking"
)

// Op is one operation of a batch. Key identifies it in a BatchError.
type Op struct {
	Key string
	Run func(ctx context.Context) error
}

// BatchError reports the first failed operation of a batch.
type BatchError struct {
	Key string
	Err error
	// Total is the number of operations in the batch.
	Total int
}

func (e *BatchError) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type outcome struct {
	key string
	err error
}

// Run executes ops concurrently on rt and blocks until all of them succeeded
// or one failed. Operations run with a context detached from ctx's
// cancellation, so cancelling ctx stops waiting but not the operations.
func Run(rt *blocking.Runtime, ctx context.Context, name string, ops []Op) error {
	switch len(ops) {
	case 0:
		return nil
	case 1:
		// Nothing to race; keep the single operation on the caller's context.
		op := ops[0]
		if err := rt.Do(ctx, name, op.Run); err != nil {
			return &BatchError{Key: op.Key, Err: err, Total: 1}
		}
		return nil
	}

	return rt.Do(ctx, name, func(ctx context.Context) error {
		// Buffered so stragglers finishing after an early return never block.
		results := make(chan outcome, len(ops))
		detached := context.WithoutCancel(ctx)

		dispatched := 0
		for _, op := range ops {
			err := rt.Go(detached, name+" "+op.Key, func(taskCtx context.Context) {
				results <- outcome{key: op.Key, err: op.Run(taskCtx)}
			}, func(pe *blocking.PanicError) {
				results <- outcome{key: op.Key, err: pe}
			})
			if err != nil {
				return &BatchError{Key: op.Key, Err: err, Total: len(ops)}
			}
			dispatched++
		}

		for i := 0; i < dispatched; i++ {
			select {
			case res := <-results:
				if res.err != nil {
					return &BatchError{Key: res.key, Err: res.err, Total: len(ops)}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}
