package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type failingCursor struct {
	err error
}

func (cursor failingCursor) Current(context.Context) (int64, error) { return 0, cursor.err }
func (cursor failingCursor) Advance(context.Context) (int64, error) { return 0, cursor.err }

func mustPool(test *testing.T, slots []string) *Pool {
	test.Helper()
	pool, err := New(slots, nil)
	if err != nil {
		test.Fatalf("new pool: %v", err)
	}
	return pool
}

func TestRotateWrapsAroundAllSlots(test *testing.T) {
	test.Parallel()
	pool := mustPool(test, []string{"key-a", "", "key-c"})
	ctx := context.Background()

	expected := []int{1, 2, 0, 1}
	for step, want := range expected {
		index, err := pool.Rotate(ctx)
		if err != nil {
			test.Fatalf("rotate %d: %v", step, err)
		}
		if index != want {
			test.Fatalf("step %d: expected index %d, got %d", step, want, index)
		}
	}
	active, err := pool.Active(ctx)
	if err != nil {
		test.Fatalf("active: %v", err)
	}
	if active.Index != 1 || active.Configured() {
		test.Fatalf("expected empty slot 1 to stay in rotation, got %+v", active)
	}
}

func TestConcurrentRotationsStayInRange(test *testing.T) {
	test.Parallel()
	pool := mustPool(test, []string{"a", "b", "c"})
	ctx := context.Background()

	var waitGroup sync.WaitGroup
	for worker := 0; worker < 30; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			index, err := pool.Rotate(ctx)
			if err != nil {
				test.Errorf("rotate: %v", err)
				return
			}
			if index < 0 || index >= pool.Size() {
				test.Errorf("index out of range: %d", index)
			}
		}()
	}
	waitGroup.Wait()
	active, err := pool.Active(ctx)
	if err != nil {
		test.Fatalf("active: %v", err)
	}
	if active.Index != 0 {
		test.Fatalf("expected 30 rotations over 3 slots to land on 0, got %d", active.Index)
	}
}

func TestHealthCountsConfiguredSlots(test *testing.T) {
	test.Parallel()
	pool := mustPool(test, []string{"a", " ", "c", ""})
	health, err := pool.Health(context.Background())
	if err != nil {
		test.Fatalf("health: %v", err)
	}
	if health.Total != 4 || health.Configured != 2 || health.ActiveIndex != 0 {
		test.Fatalf("unexpected health: %+v", health)
	}
}

func TestNewRejectsEmptyPool(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, nil); !errors.Is(err, ErrEmptyPool) {
		test.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestCursorFailuresAreWrapped(test *testing.T) {
	test.Parallel()
	cause := errors.New("redis down")
	pool, err := New([]string{"a"}, failingCursor{err: cause})
	if err != nil {
		test.Fatalf("new pool: %v", err)
	}
	if _, err := pool.Active(context.Background()); !errors.Is(err, ErrCursorFailure) || !errors.Is(err, cause) {
		test.Fatalf("expected wrapped cursor failure, got %v", err)
	}
	if _, err := pool.Rotate(context.Background()); !errors.Is(err, ErrCursorFailure) {
		test.Fatalf("expected cursor failure, got %v", err)
	}
}
