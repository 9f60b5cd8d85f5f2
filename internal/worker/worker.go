// ============================================================================
// offline-sync Worker - Handler Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs a single handler call with a timeout and panic capture
//
// How it works:
//   Each call runs the handler in its own goroutine and waits on either:
//   1. the handler returning
//   2. the per-task deadline expiring
//   3. the caller's context being cancelled
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Execute (caller goroutine)         │
//   │  ┌──────────────────────────────┐   │
//   │  │ go handler.Apply(ctx, a)     │   │
//   │  │ select {                     │   │
//   │  │   case <-done:               │   │
//   │  │   case <-ctx.Done():         │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   A handler that ignores its context still counts as timed out: the caller
//   stops waiting and the result is a retryable context.DeadlineExceeded. The
//   abandoned goroutine finishes on its own and its result is discarded.
//
// Error Handling:
//   - Timeout: retryable
//   - Panic: converted to an error, retryable
//   - Handler error: classified by registry.Classify
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// ErrHandlerPanic wraps a panic raised inside a handler.
var ErrHandlerPanic = errors.New("handler panicked")

// ErrHandlerTimeout is returned when a handler overruns its deadline.
var ErrHandlerTimeout = errors.New("handler timed out")

// Execute runs task.Handler against task.Action and classifies the result.
func Execute(ctx context.Context, task Task) Result {
	start := time.Now()

	callCtx := ctx
	cancel := func() {}
	if task.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	// 緩衝為 1，逾時後 handler goroutine 仍可寫入並結束
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
			}
		}()
		done <- task.Handler.Apply(callCtx, task.Action)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		// handler 剛好同時完成時以其結果為準
		select {
		case err = <-done:
		default:
			err = callCtx.Err()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, task.Timeout, err)
			}
		}
	}

	outcome := registry.Classify(err)
	if errors.Is(err, ErrHandlerPanic) {
		outcome = types.OutcomeRetry
	}

	return Result{
		ActionID: task.Action.ID,
		Outcome:  outcome,
		Err:      err,
		Duration: time.Since(start),
	}
}
