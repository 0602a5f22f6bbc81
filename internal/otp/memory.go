package otp

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	code      string
	count     int
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Expired entries are dropped lazily.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]entry
	failures   map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		challenges: make(map[string]entry),
		failures:   make(map[string]entry),
	}
}

// WithClock replaces the time source. Tests use it to step past TTLs.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// live returns the entry under key if it has not expired; expired entries are removed.
func (m *MemoryStore) live(tbl map[string]entry, key string) (entry, bool) {
	e, ok := tbl[key]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(tbl, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryStore) Put(_ context.Context, subject, code string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[subject] = entry{code: code, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, subject string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(m.challenges, subject)
	return e.code, ok, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, subject, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(m.challenges, subject)
	if !ok || !codesEqual(e.code, code) {
		return false, nil
	}
	delete(m.challenges, subject)
	return true, nil
}

func (m *MemoryStore) IncrFailures(_ context.Context, subject string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(m.failures, subject)
	if !ok {
		e = entry{expiresAt: m.now().Add(ttl)}
	}
	e.count++
	m.failures[subject] = e
	return e.count, nil
}

func (m *MemoryStore) Failures(_ context.Context, subject string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.live(m.failures, subject)
	return e.count, nil
}

func (m *MemoryStore) ResetFailures(_ context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, subject)
	return nil
}
