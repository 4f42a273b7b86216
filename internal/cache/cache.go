package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry is one memoized value. Entries are replaced on refetch, never
// mutated in place.
type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Memo is a lazy TTL memoizer with stale-on-error fallback. A fetch
// failure returns the previous (now stale) value when one exists; only
// a key with no prior success propagates the failure. There is no
// background refresh.
type Memo[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	logger  *zap.Logger
	now     func() time.Time
}

func NewMemo[V any](logger *zap.Logger) *Memo[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memo[V]{
		entries: make(map[string]entry[V]),
		logger:  logger,
		now:     time.Now,
	}
}

// GetOrFetch returns the cached value for key if it is younger than
// ttl, otherwise invokes fetch. The lock is held across the fetch, so
// a burst of callers for the same memo triggers one upstream call.
func (m *Memo[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior, ok := m.entries[key]
	if ok && m.now().Sub(prior.fetchedAt) < ttl {
		return prior.value, nil
	}

	cause := "miss"
	if ok {
		cause = "expired"
	}
	m.logger.Debug("cache fetch", zap.String("key", key), zap.String("cause", cause))

	value, err := fetch(ctx)
	if err != nil {
		if ok {
			m.logger.Warn("fetch failed, serving stale value",
				zap.String("key", key),
				zap.Duration("age", m.now().Sub(prior.fetchedAt)),
				zap.Error(err))
			return prior.value, nil
		}
		m.logger.Warn("fetch failed with no prior value", zap.String("key", key), zap.Error(err))
		var zero V
		return zero, err
	}

	m.entries[key] = entry[V]{value: value, fetchedAt: m.now()}
	return value, nil
}

// Forget drops the entry for key, forcing the next call to refetch.
func (m *Memo[V]) Forget(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}
