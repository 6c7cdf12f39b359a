package relay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// taskGroup tracks fire-and-forget work spawned by the receive loop.
// stop cancels the shared context and joins every task, finished or not.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	log    *slog.Logger
}

func newTaskGroup(log *slog.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, log: log}
}

// Go runs fn in its own goroutine. A panic in fn is logged, not propagated.
func (t *taskGroup) Go(name string, fn func(ctx context.Context)) {
	t.g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("relay: background task panicked", "task", name, "panic", r)
			}
		}()
		fn(t.ctx)
		return nil
	})
}

func (t *taskGroup) stop() {
	t.cancel()
	_ = t.g.Wait()
}
