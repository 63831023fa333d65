// Package idempotency replays cached responses for repeated mutating
// requests. The marketplace frontend retries link-generation calls on flaky
// connections; replaying the original response keeps every retry returning
// the same download URL instead of minting a fresh token per attempt.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store manages idempotency keys and their cached responses.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-memory Store with LRU eviction and TTL expiry.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List // front = most recently used
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

// NewMemoryStore creates a store capped at 10,000 entries.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store with a custom entry cap.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Get retrieves a cached response, refreshing its LRU position.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.After(e.expiresAt) {
		s.removeLocked(el)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return e.response, true
}

// Set stores a response under key for ttl.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.response = response
		e.expiresAt = now.Add(ttl)
		s.lru.MoveToFront(el)
		return nil
	}

	// Evict before inserting so the cap is never exceeded.
	if len(s.entries) >= s.maxSize {
		if back := s.lru.Back(); back != nil {
			s.removeLocked(back)
		}
	}

	el := s.lru.PushFront(&entry{key: key, response: response, expiresAt: now.Add(ttl)})
	s.entries[key] = el
	return nil
}

// Delete removes a cached response.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.entries, e.key)
}

// cleanup sweeps expired entries so abandoned keys don't pin memory until
// they happen to be looked up.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			var expired []*list.Element
			for _, el := range s.entries {
				if now.After(el.Value.(*entry).expiresAt) {
					expired = append(expired, el)
				}
			}
			for _, el := range expired {
				s.removeLocked(el)
			}
			s.mu.Unlock()
		}
	}
}

// Stop shuts down the cleanup goroutine.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}

// Len reports the current entry count. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
