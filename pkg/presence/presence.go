// SPDX-License-Identifier: APACHE-2.0

// Package presence keeps the bounded "last seen" history of members.
package presence

import (
	"net/netip"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

// MaxHistory is the number of observations kept per member after pruning.
const MaxHistory = 25

// Prune returns at most limit observations, newest first, dropping every
// observation whose address equals the previously kept one. history must be
// ordered oldest first and is not modified.
func Prune(history []api.Observation, limit int) []api.Observation {
	n := len(history)
	if limit < n {
		n = limit
	}
	out := make([]api.Observation, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		o := history[i]
		if len(out) > 0 && out[len(out)-1].Address == o.Address {
			continue
		}
		out = append(out, o)
	}
	return out
}

// NetworkSnapshot is the pruned history of every member of a network,
// newest observation first.
type NetworkSnapshot struct {
	NetworkID uint64
	Members   map[uint64][]api.Observation
}

// Tracker records member observations. It has its own lock so recording
// presence never contends with record reads and writes.
type Tracker struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	// member histories per network, oldest observation first
	networks map[uint64]map[uint64][]api.Observation
	dirty    sets.Set[uint64]
	// limit, when set, prunes a history on every observation
	limit int
}

func NewTracker(clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		clock:    clk,
		networks: make(map[uint64]map[uint64][]api.Observation),
		dirty:    sets.New[uint64](),
	}
}

// NewBoundedTracker returns a Tracker that prunes a member's history to
// limit observations as they are recorded, for owners that never Collect.
func NewBoundedTracker(clk clock.PassiveClock, limit int) *Tracker {
	t := NewTracker(clk)
	t.limit = limit
	return t
}

// Observe appends an observation stamped with the current time. A second
// observation within the same second replaces the previous one.
func (t *Tracker) Observe(networkID, memberID uint64, addr netip.AddrPort) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.networks[networkID]
	if !ok {
		members = make(map[uint64][]api.Observation)
		t.networks[networkID] = members
	}
	history := members[memberID]
	obs := api.Observation{Time: now, Address: addr}
	if l := len(history); l > 0 && history[l-1].Time.Unix() == now.Unix() {
		history[l-1] = obs
	} else {
		history = append(history, obs)
	}
	if t.limit > 0 {
		history = reversed(Prune(history, t.limit))
	}
	members[memberID] = history
	t.dirty.Insert(networkID)
}

// Latest returns the newest observation of a member.
func (t *Tracker) Latest(networkID, memberID uint64) (api.Observation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.networks[networkID][memberID]
	if len(history) == 0 {
		return api.Observation{}, false
	}
	return history[len(history)-1], true
}

// history returns a copy of the history of a member, oldest first.
func (t *Tracker) history(networkID, memberID uint64) []api.Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.networks[networkID][memberID]
	return append([]api.Observation(nil), history...)
}

// Has reports whether the tracker holds state for a network.
func (t *Tracker) Has(networkID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.networks[networkID]
	return ok
}

// EraseNetwork drops the whole history of a network.
func (t *Tracker) EraseNetwork(networkID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.networks, networkID)
	t.dirty.Delete(networkID)
}

// EraseMember drops the history of one member and marks its network dirty.
func (t *Tracker) EraseMember(networkID, memberID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.networks[networkID]
	if !ok {
		return
	}
	delete(members, memberID)
	t.dirty.Insert(networkID)
}

// Load seeds the history of a network, typically from a sidecar read on
// startup. Histories must be ordered oldest first. Loaded state is clean.
func (t *Tracker) Load(networkID uint64, members map[uint64][]api.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.networks[networkID]
	if !ok {
		existing = make(map[uint64][]api.Observation, len(members))
		t.networks[networkID] = existing
	}
	for id, history := range members {
		existing[id] = append(append([]api.Observation(nil), history...), existing[id]...)
	}
}

// MarkDirty flags a network for the next Collect, used when writing its
// snapshot failed.
func (t *Tracker) MarkDirty(networkID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.networks[networkID]; ok {
		t.dirty.Insert(networkID)
	}
}

// Collect prunes the history of every dirty network, keeps the pruned
// result as the new history and returns it. Dirty flags are cleared.
func (t *Tracker) Collect() []NetworkSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshots := make([]NetworkSnapshot, 0, t.dirty.Len())
	for _, networkID := range sets.List(t.dirty) {
		members := t.networks[networkID]
		snap := NetworkSnapshot{
			NetworkID: networkID,
			Members:   make(map[uint64][]api.Observation, len(members)),
		}
		for memberID, history := range members {
			pruned := Prune(history, MaxHistory)
			snap.Members[memberID] = pruned
			members[memberID] = reversed(pruned)
		}
		snapshots = append(snapshots, snap)
	}
	t.dirty = sets.New[uint64]()
	return snapshots
}

func reversed(in []api.Observation) []api.Observation {
	out := make([]api.Observation, len(in))
	for i, o := range in {
		out[len(in)-1-i] = o
	}
	return out
}
