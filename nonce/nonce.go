package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/certkiln/certkiln/acmecrypto"
	"github.com/certkiln/certkiln/internal"
)

// Manager issues single-use replay nonces. Consume is at-most-once: a token is
// accepted by exactly one Consume call, then never again.
type Manager interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, token string) (bool, error)
}

type memoryManager struct {
	mu         sync.Mutex
	pending    map[string]time.Time // token -> issued at
	ttl        time.Duration
	maxPending int
}

// NewMemoryManager returns an in-process Manager. Tokens expire after ttl;
// when the map exceeds maxPending, only tokens past their ttl are evicted, so
// a valid unused token is never rejected early.
func NewMemoryManager(ttl time.Duration, maxPending int) Manager {
	return &memoryManager{
		pending:    make(map[string]time.Time),
		ttl:        ttl,
		maxPending: maxPending,
	}
}

func (m *memoryManager) Issue(ctx context.Context) (string, error) {
	token, err := acmecrypto.GenToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) >= m.maxPending {
		m.evictExpiredLocked()
	}
	m.pending[token] = time.Now()
	internal.Metric_NoncesIssued.Inc()
	return token, nil
}

func (m *memoryManager) Consume(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issuedAt, ok := m.pending[token]
	if !ok {
		internal.Metric_NoncesRejected.Inc()
		return false, nil
	}
	delete(m.pending, token)
	if m.ttl > 0 && time.Since(issuedAt) > m.ttl {
		internal.Metric_NoncesRejected.Inc()
		return false, nil
	}
	return true, nil
}

func (m *memoryManager) evictExpiredLocked() {
	if m.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.ttl)
	for token, issuedAt := range m.pending {
		if issuedAt.Before(cutoff) {
			delete(m.pending, token)
		}
	}
}
