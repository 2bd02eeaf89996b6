package inference

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/slicewise/slicewise/ml"
)

const (
	// DefaultPoolSize is used when a pool is created with a non positive size.
	DefaultPoolSize = 4
	// AcquireTimeout bounds how long Acquire waits for a free model.
	AcquireTimeout = 5 * time.Second
)

var (
	// ErrPoolClosed is returned when using a pool after Close.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrAcquireTimeout is returned when no model frees up within AcquireTimeout.
	ErrAcquireTimeout = errors.New("timeout waiting for available model")
)

var _ = Model(&Pool{})

// Pool holds several loaded copies of a model so callers can run inference in
// parallel. Pool itself implements Model; its Infer borrows a copy for the duration
// of the call.
type Pool struct {
	models chan Model
	all    []Model
	size   int

	mu      sync.Mutex
	closed  bool
	metrics PoolMetrics
}

// PoolMetrics counts pool activity.
type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point in time snapshot of pool activity.
type PoolStats struct {
	Size            int           `json:"size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time"`
}

// NewPool builds size models with the factory. On any failure the models built so far
// are closed.
func NewPool(ctx context.Context, size int, factory func() (Model, error)) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool{
		models: make(chan Model, size),
		size:   size,
	}
	for i := 0; i < size; i++ {
		model, err := factory()
		if err != nil {
			pool.Close(ctx)
			return nil, errors.Wrapf(err, "failed to initialize model %d", i)
		}
		pool.all = append(pool.all, model)
		pool.models <- model
	}
	return pool, nil
}

// Acquire borrows a model from the pool. Callers must Release it.
func (p *Pool) Acquire(ctx context.Context) (Model, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case model := <-p.models:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return model, nil
	case <-time.After(AcquireTimeout):
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a model to the pool.
func (p *Pool) Release(model Model) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.models <- model
}

// Infer borrows a model for the duration of one call.
func (p *Pool) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	model, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(model)
	return model.Infer(ctx, tensors)
}

// Metadata returns the metadata of the pooled model.
func (p *Pool) Metadata(ctx context.Context) (MLMetadata, error) {
	p.mu.Lock()
	if p.closed || len(p.all) == 0 {
		p.mu.Unlock()
		return MLMetadata{}, ErrPoolClosed
	}
	model := p.all[0]
	p.mu.Unlock()
	return model.Metadata(ctx)
}

// Close closes every model in the pool. Acquire fails afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs error
	for _, model := range p.all {
		errs = multierr.Combine(errs, model.Close(ctx))
	}
	return errs
}

// Stats snapshots the pool metrics.
func (p *Pool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
