package utils

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestClamp(t *testing.T) {
	test.That(t, Clamp(5, 0, 10), test.ShouldEqual, 5)
	test.That(t, Clamp(-1, 0, 10), test.ShouldEqual, 0)
	test.That(t, Clamp(11, 0, 10), test.ShouldEqual, 10)
	test.That(t, ClampInt(7, 1, 4), test.ShouldEqual, 4)
	test.That(t, ClampInt(0, 1, 4), test.ShouldEqual, 1)
}

func TestMedian(t *testing.T) {
	test.That(t, Median(1, 2, 3), test.ShouldEqual, 2)
	test.That(t, Median(3, 1), test.ShouldEqual, 3)
	test.That(t, math.IsNaN(Median()), test.ShouldBeTrue)
}

func TestMinMaxAbs(t *testing.T) {
	test.That(t, MaxInt(3, 4), test.ShouldEqual, 4)
	test.That(t, MinInt(3, 4), test.ShouldEqual, 3)
	test.That(t, AbsInt(-3), test.ShouldEqual, 3)
	test.That(t, AbsInt(3), test.ShouldEqual, 3)
}

func TestGroupWorkParallel(t *testing.T) {
	const total = 1000
	touched := make([]int32, total)
	var groups int

	err := GroupWorkParallel(
		context.Background(),
		total,
		func(groupSize int) {
			groups = groupSize
		},
		func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				touched[workNum]++
			}, nil
		},
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, groups, test.ShouldEqual, ParallelFactor)
	for i := 0; i < total; i++ {
		test.That(t, touched[i], test.ShouldEqual, 1)
	}
}

func TestRunInParallel(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	note := func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}

	_, err := RunInParallel(context.Background(), []SimpleFunc{note, note, note})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldEqual, 3)

	fail := func(ctx context.Context) error {
		return errors.New("one bad apple")
	}
	_, err = RunInParallel(context.Background(), []SimpleFunc{note, fail})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "one bad apple")

	boom := func(ctx context.Context) error {
		panic("boom")
	}
	_, err = RunInParallel(context.Background(), []SimpleFunc{boom})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panic")
}
