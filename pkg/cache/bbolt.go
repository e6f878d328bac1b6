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
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"
	bbolterrors "go.etcd.io/bbolt/errors"
	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

var (
	recordsBucketName = []byte("records")

	errNotFound = errors.New("not found")
)

// BoltStore implements the Store interface on a BoltDB file so the synced
// view survives restarts.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = &BoltStore{}

// NewBoltStore creates or opens a BoltDB database and ensures the records
// bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string) (*api.Record, bool) {
	var rec api.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucketName)
		val := b.Get([]byte(key))
		if val == nil {
			return errNotFound
		}
		return json.Unmarshal(val, &rec)
	})

	if err != nil {
		if !errors.Is(err, errNotFound) {
			klog.Warningf("Failed to decode cached record %s: %v", key, err)
		}
		return nil, false
	}
	return &rec, true
}

func (s *BoltStore) Upsert(key string, rec *api.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucketName)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucketName)
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) DeletePrefix(prefix string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucketName)
		p := []byte(prefix)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) List() ([]*api.Record, error) {
	var recs []*api.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucketName)
		return b.ForEach(func(k, v []byte) error {
			var rec api.Record
			if err := json.Unmarshal(v, &rec); err == nil {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Clear atomically deletes and recreates the records bucket, effectively
// removing all entries.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucketName); err != nil {
			if !errors.Is(err, bbolterrors.ErrBucketNotFound) {
				return err
			}
		}
		_, err := tx.CreateBucket(recordsBucketName)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
