// Package pipeline is the boundary between the scheduler and whatever does
// the actual per-item update work. The scheduler dequeues a job, hands it to
// an Executor and maps the outcome back onto the queue and the registry.
package pipeline

import (
	"context"

	"curator/internal/queue"
)

// Result is what a successful update run reports back.
type Result struct {
	// NewItems counts content discovered by this run (0 is a normal outcome).
	NewItems int
	// Detail is a short human-readable summary for history and notifications.
	Detail string
}

// Executor runs one update job. Implementations must honor ctx cancellation;
// the scheduler cancels it on job timeout, job cancel and shutdown.
type Executor interface {
	Execute(ctx context.Context, job queue.Job) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, job queue.Job) (Result, error)

func (f Func) Execute(ctx context.Context, job queue.Job) (Result, error) {
	return f(ctx, job)
}

// Nop is the executor wired when no pipeline is registered. It succeeds
// immediately and reports nothing new, so the scheduling machinery keeps
// functioning without a configured backend.
func Nop() Executor {
	return Func(func(ctx context.Context, job queue.Job) (Result, error) {
		return Result{Detail: "no pipeline registered"}, ctx.Err()
	})
}
