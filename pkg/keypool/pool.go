// Package keypool holds the ordered provider credentials shared by every
// generation call and the rotation cursor that selects the active one.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	ErrEmptyPool     = errors.New("key pool has no slots")
	ErrCursorFailure = errors.New("key pool cursor unavailable")
)

// Cursor stores the shared rotation counter. Advance must be an atomic increment;
// duplicate or extra increments are harmless because the pool reduces modulo its size.
type Cursor interface {
	Current(ctx context.Context) (int64, error)
	Advance(ctx context.Context) (int64, error)
}

// Credential is the slot selected by the cursor.
type Credential struct {
	Index int
	Value string
}

// Configured reports whether the slot holds a credential.
func (credential Credential) Configured() bool {
	return credential.Value != ""
}

// Health is a read-only snapshot for status reporting.
type Health struct {
	Total       int `json:"total"`
	Configured  int `json:"configured"`
	ActiveIndex int `json:"active_index"`
}

// Pool is the shared ordered set of provider credentials.
type Pool struct {
	slots  []string
	cursor Cursor
}

// New builds a Pool. Empty slots are kept so rotation walks every position.
func New(slots []string, cursor Cursor) (*Pool, error) {
	if len(slots) == 0 {
		return nil, ErrEmptyPool
	}
	normalized := make([]string, len(slots))
	for index, slot := range slots {
		normalized[index] = strings.TrimSpace(slot)
	}
	if cursor == nil {
		cursor = &MemoryCursor{}
	}
	return &Pool{slots: normalized, cursor: cursor}, nil
}

// Active returns the credential at the current cursor.
func (pool *Pool) Active(ctx context.Context) (Credential, error) {
	position, err := pool.cursor.Current(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrCursorFailure, err)
	}
	index := pool.indexOf(position)
	return Credential{Index: index, Value: pool.slots[index]}, nil
}

// Rotate advances the cursor to the next slot, wrapping. The previous slot stays eligible.
func (pool *Pool) Rotate(ctx context.Context) (int, error) {
	position, err := pool.cursor.Advance(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCursorFailure, err)
	}
	return pool.indexOf(position), nil
}

// Health reports how many slots hold credentials. It never influences rotation.
func (pool *Pool) Health(ctx context.Context) (Health, error) {
	configured := 0
	for _, slot := range pool.slots {
		if slot != "" {
			configured++
		}
	}
	active, err := pool.Active(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{Total: len(pool.slots), Configured: configured, ActiveIndex: active.Index}, nil
}

// Size returns the number of slots.
func (pool *Pool) Size() int {
	return len(pool.slots)
}

func (pool *Pool) indexOf(position int64) int {
	size := int64(len(pool.slots))
	index := position % size
	if index < 0 {
		index += size
	}
	return int(index)
}

// MemoryCursor is a process-local cursor for single-instance deployments.
type MemoryCursor struct {
	value atomic.Int64
}

// Current returns the counter value.
func (cursor *MemoryCursor) Current(context.Context) (int64, error) {
	return cursor.value.Load(), nil
}

// Advance increments the counter.
func (cursor *MemoryCursor) Advance(context.Context) (int64, error) {
	return cursor.value.Add(1), nil
}
