package blockchain

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// defaultWorkerPoolSize is the number of long-lived goroutines backing
// the process-wide prefetch worker pool -- one of the two pieces of
// genuinely global state this core carries.
const defaultWorkerPoolSize = 4

// workerPool is the shared background-task dispatcher every LiveBlock's
// Prefetcher schedules its single drain worker onto. It is a small fixed
// pool of long-lived goroutines fed by a task queue -- unlike the usual
// one-goroutine-per-task shape errgroup is built for, so errgroup here
// only supplies cancellation and the final Wait fold on shutdown.
type workerPool struct {
	tasks  chan func()
	group  *errgroup.Group
	cancel context.CancelFunc
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = defaultWorkerPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	p := &workerPool{tasks: make(chan func(), 1024), group: group, cancel: cancel}
	for i := 0; i < size; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case task, ok := <-p.tasks:
					if !ok {
						return nil
					}
					task()
				}
			}
		})
	}
	return p
}

// Submit schedules task onto the pool, blocking if every worker and the
// queue are currently busy.
func (p *workerPool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting new work, cancels any worker blocked on context,
// and waits for in-flight tasks to return.
func (p *workerPool) Close() error {
	close(p.tasks)
	err := p.group.Wait()
	p.cancel()
	return err
}
