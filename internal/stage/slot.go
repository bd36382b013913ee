package stage

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// SlotWaiter is told when a run starts and stops waiting for a stage
// concurrency slot. The job orchestrator uses it to keep that wait out of the
// job's deadline budget.
type SlotWaiter interface {
	WaitingForSlot()
	GotSlot()
}

type slotWaiterKey struct{}

// WithSlotWaiter returns a context that reports slot waits to w.
func WithSlotWaiter(ctx context.Context, w SlotWaiter) context.Context {
	return context.WithValue(ctx, slotWaiterKey{}, w)
}

func slotWaiterFrom(ctx context.Context) SlotWaiter {
	w, _ := ctx.Value(slotWaiterKey{}).(SlotWaiter)
	return w
}

// acquireSlot takes one unit of sem. A free slot is taken without waiting;
// otherwise the wait is bracketed by the context's SlotWaiter, if any.
func (r *Runner) acquireSlot(ctx context.Context, jobID string, st Stage, sem *semaphore.Weighted) error {
	if sem.TryAcquire(1) {
		return nil
	}
	r.logger.Debug("waiting for stage slot", "job_id", jobID, "stage", st)
	if w := slotWaiterFrom(ctx); w != nil {
		w.WaitingForSlot()
		defer w.GotSlot()
	}
	return sem.Acquire(ctx, 1)
}
