// SPDX-License-Identifier: APACHE-2.0

package api

import (
	"context"
	"net/netip"
)

// Listener is notified by a DB whenever a network or member record changes.
// A nil new value means the record was erased, a nil old value means it was
// created or loaded on startup. Listeners are invoked without any DB lock
// held and may call back into the DB.
type Listener interface {
	NetworkChanged(old, new *Record)
	MemberChanged(old, new *Record)
}

// ListenerFuncs is an adapter to build a Listener from plain functions.
// Nil functions are ignored.
type ListenerFuncs struct {
	NetworkChangedFunc func(old, new *Record)
	MemberChangedFunc  func(old, new *Record)
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) NetworkChanged(old, new *Record) {
	if f.NetworkChangedFunc != nil {
		f.NetworkChangedFunc(old, new)
	}
}

func (f ListenerFuncs) MemberChanged(old, new *Record) {
	if f.MemberChangedFunc != nil {
		f.MemberChangedFunc(old, new)
	}
}

// DB is the storage backend used by the network controller. Implementations
// never block on remote I/O in Save or Get, and absorb (log) persistence
// failures instead of returning them.
type DB interface {
	// Save stores candidate. previous is the value the caller last observed
	// and is only a hint: change detection always runs against the value
	// currently held by the DB.
	Save(previous *Record, candidate Record)
	// Get returns the network record.
	Get(networkID uint64) (*Record, bool)
	// GetMember returns the network and member records, either may be nil.
	GetMember(networkID, memberID uint64) (network, member *Record)
	EraseNetwork(networkID uint64)
	EraseMember(networkID, memberID uint64)
	// NodeIsOnline records that a member was seen at the given physical address.
	NodeIsOnline(networkID, memberID uint64, addr netip.AddrPort)
	// LastOnline returns the most recent observation of a member.
	LastOnline(networkID, memberID uint64) (Observation, bool)
	// WaitForReady blocks until the DB has completed its initial load.
	WaitForReady(ctx context.Context) error
	IsReady() bool
	// Close stops background workers and waits for them to exit.
	Close() error
}

// Notify dispatches a change to the listener method that matches the kind
// of the record. Trace records are never notified.
func Notify(l Listener, kind Kind, old, new *Record) {
	if l == nil {
		return
	}
	switch kind {
	case KindNetwork:
		l.NetworkChanged(old, new)
	case KindMember:
		l.MemberChanged(old, new)
	}
}
