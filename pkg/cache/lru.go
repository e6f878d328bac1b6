/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"sync"

	"k8s.io/klog/v2"
	"k8s.io/utils/lru"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

// LRUStore is a decorator for a Store that adds an in-memory LRU cache in
// front of a slower store such as BoltStore.
type LRUStore struct {
	mu    sync.Mutex
	lru   *lru.Cache
	store Store
}

var _ Store = &LRUStore{}

// NewLRUStore creates a new LRUStore.
// Size 0 means no limit.
func NewLRUStore(store Store, size int) *LRUStore {
	return &LRUStore{
		lru:   lru.New(size),
		store: store,
	}
}

// Get first checks the LRU cache. If the item is not found, it falls back
// to the underlying store and adds the item to the LRU cache for future lookups.
func (s *LRUStore) Get(key string) (*api.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.V(7).Infof("Get LRU(%s)", key)
	if val, ok := s.lru.Get(key); ok {
		return val.(*api.Record), true
	}
	rec, found := s.store.Get(key)
	if found {
		s.lru.Add(key, rec)
	}
	return rec, found
}

// Upsert passes the operation to the underlying store and caches the item
// once it is stored.
func (s *LRUStore) Upsert(key string, rec *api.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.V(7).Infof("Upsert LRU(%s)", key)
	if err := s.store.Upsert(key, rec); err != nil {
		s.lru.Remove(key)
		return err
	}
	s.lru.Add(key, rec)
	return nil
}

// Delete removes the item from the LRU cache and then passes the operation
// to the underlying store.
func (s *LRUStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.V(7).Infof("Delete LRU(%s)", key)
	s.lru.Remove(key)
	return s.store.Delete(key)
}

// DeletePrefix drops the whole LRU cache, it can not be walked by prefix.
func (s *LRUStore) DeletePrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Clear()
	return s.store.DeletePrefix(prefix)
}

// List returns all items from the underlying store.
func (s *LRUStore) List() ([]*api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.List()
}

// Clear removes all items from the underlying store and the LRU cache.
func (s *LRUStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Clear()
	return s.store.Clear()
}

// Close closes the underlying store.
func (s *LRUStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Close()
}
