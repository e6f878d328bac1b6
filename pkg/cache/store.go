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

// Package cache holds the local copy of records synchronized from a remote
// record store.
package cache

import (
	"strings"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

const networkPrefix = "network/"

// Store defines the interface for a key-value store that holds records.
type Store interface {
	Get(key string) (*api.Record, bool)
	Upsert(key string, rec *api.Record) error
	Delete(key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(prefix string) error
	List() ([]*api.Record, error)
	Clear() error // Clear removes all entries from the store.
	Close() error
}

// NetworkKey is the key of a network record.
func NetworkKey(networkID uint64) string {
	return networkPrefix + api.FormatNetworkID(networkID)
}

// MemberPrefix is the common prefix of every member key of a network.
func MemberPrefix(networkID uint64) string {
	return NetworkKey(networkID) + "/member/"
}

// MemberKey is the key of a member record.
func MemberKey(networkID, memberID uint64) string {
	return MemberPrefix(networkID) + api.FormatMemberID(memberID)
}

// Key returns the key of an identified record, or false for kinds that are
// not cached.
func Key(ident api.Identity) (string, bool) {
	switch ident.Kind {
	case api.KindNetwork:
		return NetworkKey(ident.NetworkID), true
	case api.KindMember:
		return MemberKey(ident.NetworkID, ident.MemberID), true
	}
	return "", false
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
