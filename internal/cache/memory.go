package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memEntry struct {
	raw     []byte
	expires time.Time
}

type memWindow struct {
	count int
	reset time.Time
}

// Memory is a process-local Store. Entries expire lazily on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	windows map[string]memWindow
	swept   time.Time
	now     func() time.Time
}

const windowSweepEvery = time.Minute

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		windows: make(map[string]memWindow),
		now:     time.Now,
	}
}

func (m *Memory) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{raw: raw}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) GetJSON(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.swept) >= windowSweepEvery {
		for k, w := range m.windows {
			if !now.Before(w.reset) {
				delete(m.windows, k)
			}
		}
		m.swept = now
	}
	w := m.windows[key]
	if !now.Before(w.reset) {
		w = memWindow{reset: now.Add(window)}
	}
	w.count++
	m.windows[key] = w
	return w.count <= limit, nil
}

func (m *Memory) Close() error {
	return nil
}
