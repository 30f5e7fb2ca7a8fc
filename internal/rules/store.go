package rules

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store persists screening rules.
type Store interface {
	Add(ctx context.Context, rule Rule) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Rule, error)
	// List returns global rules plus the community's own rules.
	List(ctx context.Context, communityID string) ([]Rule, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	byID  map[string]Rule
	byKey map[string]string // pattern key -> rule id
}

// NewInMemory creates an empty rule store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:  make(map[string]Rule),
		byKey: make(map[string]string),
	}
}

func (s *InMemory) Add(ctx context.Context, rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rule.Key()
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicate
	}
	s.byID[rule.ID] = rule
	s.byKey[key] = rule.ID
	return nil
}

func (s *InMemory) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byKey, rule.Key())
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.byID[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return rule, nil
}

func (s *InMemory) List(ctx context.Context, communityID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, rule := range s.byID {
		if rule.Scope == ScopeGlobal || rule.CommunityID == communityID {
			out = append(out, rule)
		}
	}
	return out, nil
}

// CachedStore wraps a Store with a bounded, time-windowed read cache for
// List, invalidated on every write. Matching runs on every message, so
// reads vastly outnumber writes.
type CachedStore struct {
	inner Store
	cache *expirable.LRU[string, []Rule]
}

// NewCachedStore builds the caching wrapper. ttl bounds staleness after a
// write made by another node sharing the same backing store.
func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		inner: inner,
		cache: expirable.NewLRU[string, []Rule](size, nil, ttl),
	}
}

func (s *CachedStore) Add(ctx context.Context, rule Rule) error {
	if err := s.inner.Add(ctx, rule); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

func (s *CachedStore) Remove(ctx context.Context, id string) error {
	if err := s.inner.Remove(ctx, id); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

func (s *CachedStore) Get(ctx context.Context, id string) (Rule, error) {
	return s.inner.Get(ctx, id)
}

func (s *CachedStore) List(ctx context.Context, communityID string) ([]Rule, error) {
	if cached, ok := s.cache.Get(communityID); ok {
		return cached, nil
	}
	listed, err := s.inner.List(ctx, communityID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(communityID, listed)
	return listed, nil
}
