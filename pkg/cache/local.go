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

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

// LocalStore is an in-memory implementation of the Store interface.
type LocalStore struct {
	mu   sync.RWMutex
	data map[string]*api.Record
}

var _ Store = &LocalStore{}

// NewLocalStore creates a new in-memory record store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		data: make(map[string]*api.Record),
	}
}

func (c *LocalStore) Get(key string) (*api.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, found := c.data[key]
	return rec, found
}

func (c *LocalStore) Upsert(key string, rec *api.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = rec
	return nil
}

func (c *LocalStore) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *LocalStore) DeletePrefix(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data {
		if hasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

func (c *LocalStore) List() ([]*api.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var list []*api.Record
	for _, rec := range c.data {
		list = append(list, rec)
	}
	return list, nil
}

func (c *LocalStore) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*api.Record)
	return nil
}

func (c *LocalStore) Close() error {
	return nil
}
