// Package dedupe tracks fingerprint digests that already have a discovery or
// training request in flight, so the same failure is never submitted twice.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Set marks digests in flight. Marks expire after the set's TTL so a lost
// completion cannot block a digest forever.
type Set interface {
	// Acquire marks digest and reports whether the caller now owns it.
	Acquire(ctx context.Context, digest string) (bool, error)
	// Release clears the mark.
	Release(ctx context.Context, digest string) error
	// Held reports whether digest is marked.
	Held(ctx context.Context, digest string) (bool, error)
}

// Memory is an in-process Set.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]time.Time
	now  func() time.Time
}

// NewMemory returns an in-process Set. ttl <= 0 disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, held: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(digest) {
		return false, nil
	}
	var exp time.Time
	if m.ttl > 0 {
		exp = m.now().Add(m.ttl)
	}
	m.held[digest] = exp
	return true, nil
}

func (m *Memory) Release(_ context.Context, digest string) error {
	m.mu.Lock()
	delete(m.held, digest)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Held(_ context.Context, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(digest), nil
}

func (m *Memory) liveLocked(digest string) bool {
	exp, ok := m.held[digest]
	if !ok {
		return false
	}
	if !exp.IsZero() && !m.now().Before(exp) {
		delete(m.held, digest)
		return false
	}
	return true
}
