package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs submitted tasks on at most Size goroutines. Finish is the
// barrier: it waits for every task submitted since the previous Finish.
// Submit and Finish belong to the goroutine that owns the pool.
type Pool struct {
	parent context.Context
	size   int
	g      *errgroup.Group
	ctx    context.Context
}

func New(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{parent: ctx, size: size}
	p.reset()
	return p
}

func (p *Pool) reset() {
	p.g, p.ctx = errgroup.WithContext(p.parent)
	p.g.SetLimit(p.size)
}

func (p *Pool) Size() int { return p.size }

// Submit blocks while all workers are busy. Tasks submitted after another
// task failed in the same round see a cancelled context.
func (p *Pool) Submit(task func(ctx context.Context) error) {
	ctx := p.ctx
	p.g.Go(func() error {
		return task(ctx)
	})
}

// Finish waits for the round and returns its first error.
func (p *Pool) Finish() error {
	err := p.g.Wait()
	p.reset()
	return err
}
