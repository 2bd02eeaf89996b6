package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/slicewise/slicewise/ml"
)

func TestPoolBorrowsAndReturns(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, 2, func() (Model, error) {
		return NewEchoModel("pooled"), nil
	})
	test.That(t, err, test.ShouldBeNil)
	defer pool.Close(ctx)

	m1, err := pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeNil)
	m2, err := pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pool.Stats().InUse, test.ShouldEqual, 2)

	// Third acquire should block until a release.
	acquireCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.Acquire(acquireCtx)
	test.That(t, err, test.ShouldBeError, context.Canceled)

	pool.Release(m1)
	pool.Release(m2)
	stats := pool.Stats()
	test.That(t, stats.InUse, test.ShouldEqual, 0)
	test.That(t, stats.TotalAcquired, test.ShouldEqual, 2)
	test.That(t, stats.TotalReleased, test.ShouldEqual, 2)
}

func TestPoolInferBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	var active, peak int64
	pool, err := NewPool(ctx, 2, func() (Model, error) {
		model := NewEchoModel("bounded")
		model.InferFunc = func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			defer atomic.AddInt64(&active, -1)
			return tensors, nil
		}
		return model, nil
	})
	test.That(t, err, test.ShouldBeNil)
	defer pool.Close(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Infer(ctx, ml.Tensors{})
			test.That(t, err, test.ShouldBeNil)
		}()
	}
	wg.Wait()

	test.That(t, atomic.LoadInt64(&peak), test.ShouldBeLessThanOrEqualTo, 2)
	test.That(t, pool.Stats().TotalAcquired, test.ShouldEqual, 16)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	var built []*FakeModel
	pool, err := NewPool(ctx, 3, func() (Model, error) {
		model := NewEchoModel("closing")
		built = append(built, model)
		return model, nil
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pool.Close(ctx), test.ShouldBeNil)
	for _, model := range built {
		test.That(t, model.Closed(), test.ShouldBeTrue)
	}

	_, err = pool.Acquire(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pool is closed")

	// Closing twice is fine.
	test.That(t, pool.Close(ctx), test.ShouldBeNil)
}

func TestPoolFactoryFailure(t *testing.T) {
	ctx := context.Background()
	var built []*FakeModel
	_, err := NewPool(ctx, 3, func() (Model, error) {
		if len(built) == 2 {
			return nil, errors.New("no more models")
		}
		model := NewEchoModel("doomed")
		built = append(built, model)
		return model, nil
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no more models")
	for _, model := range built {
		test.That(t, model.Closed(), test.ShouldBeTrue)
	}
}

func TestPoolMetadata(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, 1, func() (Model, error) {
		return NewEchoModel("meta"), nil
	})
	test.That(t, err, test.ShouldBeNil)

	md, err := pool.Metadata(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.ModelName, test.ShouldEqual, "meta")

	test.That(t, pool.Close(ctx), test.ShouldBeNil)
	_, err = pool.Metadata(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}
