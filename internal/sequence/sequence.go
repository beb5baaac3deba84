package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Width is the number of digits of the daily counter.
const Width = 4

var maxValue = int64(9999)

// ExhaustedError is returned when a day's counter no longer fits in Width digits.
type ExhaustedError struct {
	Prefix string
	Day    string
	Value  int64
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("sequence %s-%s exhausted at %d (max %d)", e.Prefix, e.Day, e.Value, maxValue)
}

// Counter increments and returns the counter for key atomically. The first
// call for a key returns 1.
type Counter interface {
	Increment(ctx context.Context, key Key) (int64, error)
}

type Key struct {
	Prefix string
	Day    string // YYYYMMDD
}

func (k Key) String() string { return k.Prefix + ":" + k.Day }

// Generator formats ticket numbers from a Counter.
type Generator struct {
	Counter  Counter
	Location *time.Location
}

// Next returns PREFIX-YYYYMMDD-NNNN for the calendar day of clock in the
// generator's location.
func (g Generator) Next(ctx context.Context, prefix string, clock time.Time) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", errors.New("category prefix required")
	}
	if g.Counter == nil {
		return "", errors.New("sequence counter not configured")
	}
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	key := Key{Prefix: prefix, Day: clock.In(loc).Format("20060102")}
	n, err := g.Counter.Increment(ctx, key)
	if err != nil {
		return "", fmt.Errorf("increment sequence %s: %w", key, err)
	}
	return Format(key, n)
}

func Format(key Key, n int64) (string, error) {
	if n > maxValue {
		return "", ExhaustedError{Prefix: key.Prefix, Day: key.Day, Value: n}
	}
	if n < 1 {
		return "", fmt.Errorf("sequence %s returned %d", key, n)
	}
	return fmt.Sprintf("%s-%s-%0*d", key.Prefix, key.Day, Width, n), nil
}

// MemoryCounter is an in-process Counter, used by tests and single-node tools.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[Key]int64
}

func (m *MemoryCounter) Increment(_ context.Context, key Key) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[Key]int64)
	}
	m.values[key]++
	return m.values[key], nil
}
