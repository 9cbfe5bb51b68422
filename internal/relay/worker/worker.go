// Package worker runs one serial consumer per queue, with a shared slot
// channel capping how many consumers execute at once across the process.
package worker

import "context"

type Options[J any] struct {
	Ctx    context.Context
	Slots  chan struct{}
	Jobs   <-chan J
	Handle func(context.Context, J)
}

// Start launches the consumer goroutine. Jobs from one queue are handled
// strictly in order; a slot is held only while Handle runs.
func Start[J any](opts Options[J]) {
	go func() {
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				select {
				case opts.Slots <- struct{}{}:
				case <-opts.Ctx.Done():
					return
				}
				func() {
					defer func() { <-opts.Slots }()
					opts.Handle(opts.Ctx, job)
				}()
			}
		}
	}()
}

// Enqueue blocks until the job is queued or either context ends. A nil ctx
// falls back to the loop context.
func Enqueue[J any](ctx, loopCtx context.Context, jobs chan<- J, job J) error {
	if ctx == nil {
		ctx = loopCtx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return loopCtx.Err()
	case jobs <- job:
		return nil
	}
}
