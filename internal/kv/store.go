package kv

import (
	"context"
	"sync"
	"time"
)

// Store is the in-process KeyValue implementation. Values and locks share one
// mutex; lock entries expire by TTL so a crashed holder cannot wedge a key
// forever.
type Store struct {
	mu     sync.Mutex
	values map[string]string
	locks  map[string]time.Time
}

// NewStore creates an empty in-process store.
func NewStore() *Store {
	return &Store{
		values: make(map[string]string),
		locks:  make(map[string]time.Time),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *Store) CompareAndSet(ctx context.Context, key, old, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.values[key]
	if current != old {
		return false, nil
	}
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// AcquireLock polls until the lock is free, the context ends, or a stale
// holder's TTL lapses.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockKey := "lock:" + key
	for {
		s.mu.Lock()
		expiry, held := s.locks[lockKey]
		if !held || time.Now().After(expiry) {
			s.locks[lockKey] = time.Now().Add(ttl)
			s.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					s.mu.Lock()
					delete(s.locks, lockKey)
					s.mu.Unlock()
				})
			}
			return release, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
