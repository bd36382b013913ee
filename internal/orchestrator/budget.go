package orchestrator

import (
	"context"
	"sync"
	"time"
)

// budgetCtx is a job context with a deadline budget. The budget only runs
// while the job works: time spent waiting for a stage slot held by another
// job is not charged. It implements stage.SlotWaiter.
type budgetCtx struct {
	context.Context
	done chan struct{}
	stop func() bool

	mu        sync.Mutex
	err       error
	timer     *time.Timer
	remaining time.Duration
	resumedAt time.Time
	waiting   int
}

// withBudget derives a context that ends with DeadlineExceeded once budget
// has been spent, or when parent ends. Call release when the job is done.
func withBudget(parent context.Context, budget time.Duration) *budgetCtx {
	c := &budgetCtx{
		Context:   parent,
		done:      make(chan struct{}),
		remaining: budget,
		resumedAt: time.Now(),
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(budget, c.expire)
	c.mu.Unlock()
	c.stop = context.AfterFunc(parent, func() { c.finish(parent.Err()) })
	return c
}

func (c *budgetCtx) Done() <-chan struct{} { return c.done }

func (c *budgetCtx) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Deadline reports when the budget runs out if the job keeps working.
func (c *budgetCtx) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting > 0 {
		return time.Now().Add(c.remaining), true
	}
	return c.resumedAt.Add(c.remaining), true
}

// WaitingForSlot pauses the budget.
func (c *budgetCtx) WaitingForSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == 0 {
		c.remaining -= time.Since(c.resumedAt)
		c.timer.Stop()
	}
	c.waiting++
}

// GotSlot resumes the budget.
func (c *budgetCtx) GotSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting--
	if c.waiting > 0 {
		return
	}
	c.resumedAt = time.Now()
	if c.err == nil {
		c.timer.Reset(max(c.remaining, 0))
	}
}

// expire runs from the timer. A firing that raced with a pause is ignored
// unless the budget is really spent.
func (c *budgetCtx) expire() {
	c.mu.Lock()
	spent := c.waiting == 0 && time.Since(c.resumedAt) >= c.remaining
	c.mu.Unlock()
	if spent {
		c.finish(context.DeadlineExceeded)
	}
}

func (c *budgetCtx) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.timer.Stop()
	close(c.done)
}

func (c *budgetCtx) release() {
	c.stop()
	c.mu.Lock()
	c.timer.Stop()
	c.mu.Unlock()
}
