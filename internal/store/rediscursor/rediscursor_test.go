package rediscursor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"

	"github.com/MarkoPoloResearchLab/credits/pkg/keypool"
)

type counterCommands struct {
	mutex   sync.Mutex
	values  map[string]int64
	failure error
}

func (commands *counterCommands) Get(_ context.Context, key string) *redis.StringCmd {
	commands.mutex.Lock()
	defer commands.mutex.Unlock()
	if commands.failure != nil {
		return redis.NewStringResult("", commands.failure)
	}
	value, ok := commands.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.FormatInt(value, 10), nil)
}

func (commands *counterCommands) Incr(_ context.Context, key string) *redis.IntCmd {
	commands.mutex.Lock()
	defer commands.mutex.Unlock()
	if commands.failure != nil {
		return redis.NewIntResult(0, commands.failure)
	}
	commands.values[key]++
	return redis.NewIntResult(commands.values[key], nil)
}

func TestCursorMissingKeyIsZero(test *testing.T) {
	test.Parallel()
	cursor := newCursor(&counterCommands{values: map[string]int64{}}, "")
	value, err := cursor.Current(context.Background())
	if err != nil || value != 0 {
		test.Fatalf("expected 0, got %d %v", value, err)
	}
	if cursor.key != defaultKey {
		test.Fatalf("expected default key, got %s", cursor.key)
	}
}

func TestCursorDrivesSharedPool(test *testing.T) {
	test.Parallel()
	shared := &counterCommands{values: map[string]int64{}}
	first, err := keypool.New([]string{"a", "b", "c"}, newCursor(shared, "pool"))
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	second, err := keypool.New([]string{"a", "b", "c"}, newCursor(shared, "pool"))
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	ctx := context.Background()
	if _, err := first.Rotate(ctx); err != nil {
		test.Fatalf("rotate: %v", err)
	}
	active, err := second.Active(ctx)
	if err != nil {
		test.Fatalf("active: %v", err)
	}
	if active.Index != 1 || active.Value != "b" {
		test.Fatalf("rotation must be visible to every instance, got %+v", active)
	}
}

func TestCursorPropagatesFailures(test *testing.T) {
	test.Parallel()
	failure := errors.New("connection reset")
	cursor := newCursor(&counterCommands{values: map[string]int64{}, failure: failure}, "pool")
	if _, err := cursor.Current(context.Background()); !errors.Is(err, failure) {
		test.Fatalf("expected failure, got %v", err)
	}
	if _, err := cursor.Advance(context.Background()); !errors.Is(err, failure) {
		test.Fatalf("expected failure, got %v", err)
	}
}
