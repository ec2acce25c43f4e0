package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one bucket per key in process memory. Idle buckets that
// have refilled close to capacity are reaped periodically.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	done    chan struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*TokenBucket),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		bucket, ok = s.buckets[key]
		if !ok {
			bucket = NewTokenBucket(capacity, refillRate)
			s.buckets[key] = bucket
		}
		s.mu.Unlock()
	}

	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops buckets that have refilled to near capacity; a full bucket
// is indistinguishable from a fresh one.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
