package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a captured HTTP response ready for replay.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store keeps responses keyed by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store with LRU eviction and TTL expiry.
// One instance is shared across all idempotent routes; a background goroutine
// sweeps expired entries until Stop is called.
type MemoryStore struct {
	mu          sync.RWMutex
	cache       map[string]*cacheEntry
	expires     map[string]time.Time
	lru         *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	key      string
	response *Response
	element  *list.Element
}

// NewMemoryStore creates a store capped at 10,000 entries.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store with a custom entry cap.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		expires:     make(map[string]time.Time),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Get returns the cached response for key, refreshing its LRU position.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expires[key]
	if !exists || now.After(expiry) {
		return nil, false
	}

	entry, found := s.cache[key]
	if !found {
		return nil, false
	}

	s.lru.MoveToFront(entry.element)
	return entry.response, true
}

// Set stores a response under key for ttl.
func (s *MemoryStore) Set(ctx context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[key]; exists {
		entry.response = response
		s.expires[key] = now.Add(ttl)
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict before inserting so the cache never exceeds maxSize, even when
	// several writers arrive at the cap together.
	if len(s.cache) >= s.maxSize {
		s.evictLRU()
	}

	entry := &cacheEntry{
		key:      key,
		response: response,
	}
	entry.element = s.lru.PushFront(entry)
	s.cache[key] = entry
	s.expires[key] = now.Add(ttl)

	return nil
}

// evictLRU drops the least recently used entry. Caller holds the lock.
func (s *MemoryStore) evictLRU() {
	element := s.lru.Back()
	if element == nil {
		return
	}

	entry := element.Value.(*cacheEntry)
	s.lru.Remove(element)
	delete(s.cache, entry.key)
	delete(s.expires, entry.key)
}

// Delete removes a cached response.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[key]; exists {
		s.lru.Remove(entry.element)
		delete(s.cache, key)
		delete(s.expires, key)
	}

	return nil
}

// cleanup sweeps expired entries every five minutes.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()

			var expired []string
			for key, expiry := range s.expires {
				if now.After(expiry) {
					expired = append(expired, key)
				}
			}
			for _, key := range expired {
				if entry, exists := s.cache[key]; exists {
					s.lru.Remove(entry.element)
					delete(s.cache, key)
					delete(s.expires, key)
				}
			}

			s.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine and waits for it to exit.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}
