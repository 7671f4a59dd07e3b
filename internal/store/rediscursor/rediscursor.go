// Package rediscursor shares the key-pool rotation cursor between service instances.
package rediscursor

import (
	"context"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
)

const defaultKey = "credits:keypool:cursor"

// commands is the subset of redis.Cmdable the cursor uses.
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Cursor implements keypool.Cursor on a single Redis counter.
type Cursor struct {
	client commands
	key    string
}

// New returns a Cursor storing its counter under key.
func New(client redis.Cmdable, key string) *Cursor {
	return newCursor(client, key)
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, password string, key string) (*Cursor, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return New(client, key), client, nil
}

func newCursor(client commands, key string) *Cursor {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultKey
	}
	return &Cursor{client: client, key: key}
}

// Current returns the counter, treating a missing key as zero.
func (cursor *Cursor) Current(ctx context.Context) (int64, error) {
	value, err := cursor.client.Get(ctx, cursor.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Advance atomically increments the counter.
func (cursor *Cursor) Advance(ctx context.Context) (int64, error) {
	return cursor.client.Incr(ctx, cursor.key).Result()
}
