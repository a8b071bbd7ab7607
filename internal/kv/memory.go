package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Coordinator with an injectable clock.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]entry
	boards map[string]map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		now:    time.Now,
		values: make(map[string]entry),
		boards: make(map[string]map[string]float64),
	}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry for key, dropping it when expired.
func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.values[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.values, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = e
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	return e.value, ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); !ok {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookup(key)
	var cur int64
	if e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		cur = v
	}
	cur += n
	e.value = strconv.FormatInt(cur, 10)
	m.values[key] = e
	return cur, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return NoKey, nil
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.now()).Truncate(time.Second), nil
}

func (m *Memory) SortedSetUpsert(_ context.Context, board, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[board]
	if !ok {
		b = make(map[string]float64)
		m.boards[board] = b
	}
	b[member] = score
	return nil
}

func (m *Memory) SortedSetTopN(_ context.Context, board string, n int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	out := make([]Member, 0, len(m.boards[board]))
	for name, score := range m.boards[board] {
		out = append(out, Member{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name > out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

var _ Coordinator = (*Memory)(nil)
