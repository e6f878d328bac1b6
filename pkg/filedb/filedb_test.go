// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/presence"
)

const (
	testNetworkID = 0x8056c2e21c000001
	testMemberID  = 0xabcdef0123
)

type change struct {
	Kind     api.Kind
	Old, New *api.Record
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) NetworkChanged(old, new *api.Record) { r.add(api.KindNetwork, old, new) }
func (r *recorder) MemberChanged(old, new *api.Record) { r.add(api.KindMember, old, new) }

func (r *recorder) add(kind api.Kind, old, new *api.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{Kind: kind, Old: old, New: new})
}

func (r *recorder) take() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changes
	r.changes = nil
	return out
}

func canonical(t *testing.T, rec api.Record, rev uint64) *api.Record {
	t.Helper()
	out, _, err := rec.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	out.Revision = rev
	return &out
}

func networkRecord(name string) api.Record {
	return api.Record{
		Kind:   api.KindNetwork,
		ID:     api.FormatNetworkID(testNetworkID),
		Fields: map[string]any{"name": name},
	}
}

func memberRecord(authorized bool) api.Record {
	return api.Record{
		Kind:      api.KindMember,
		ID:        api.FormatMemberID(testMemberID),
		NetworkID: api.FormatNetworkID(testNetworkID),
		Fields:    map[string]any{"authorized": authorized},
	}
}

// countWrites replaces the file writer for the duration of the test.
func countWrites(t *testing.T, fail bool) *int {
	t.Helper()
	var n int
	orig := writeFile
	writeFile = func(path string, data []byte) error {
		n++
		if fail {
			return errors.New("disk on fire")
		}
		return orig(path, data)
	}
	t.Cleanup(func() { writeFile = orig })
	return &n
}

func newTestDB(t *testing.T, root string, l api.Listener) (*FileDB, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	d, err := New(Options{Path: root, Clock: clk}, l)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, clk
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", path, err)
	}
	return out
}

func TestSaveRevisions(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)
	writes := countWrites(t, false)

	d.Save(nil, networkRecord("a"))
	rev1 := canonical(t, networkRecord("a"), 1)
	if diff := cmp.Diff([]change{{Kind: api.KindNetwork, New: rev1}}, l.take()); diff != "" {
		t.Errorf("first save notifications (-want +got):\n%s", diff)
	}
	got := readJSON(t, filepath.Join(root, "network", "8056c2e21c000001.json"))
	want := map[string]any{"objtype": "network", "id": "8056c2e21c000001", "name": "a", "revision": float64(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("network file (-want +got):\n%s", diff)
	}

	// byte identical content is neither written nor notified
	d.Save(rev1, networkRecord("a"))
	if changes := l.take(); len(changes) != 0 {
		t.Errorf("unchanged save notified %v", changes)
	}

	d.Save(rev1, networkRecord("b"))
	rev2 := canonical(t, networkRecord("b"), 2)
	if diff := cmp.Diff([]change{{Kind: api.KindNetwork, Old: rev1, New: rev2}}, l.take()); diff != "" {
		t.Errorf("changed save notifications (-want +got):\n%s", diff)
	}
	if *writes != 2 {
		t.Errorf("got %d writes, want 2", *writes)
	}

	rec, ok := d.Get(testNetworkID)
	if !ok {
		t.Fatal("Get() did not find the network")
	}
	if diff := cmp.Diff(rev2, rec); diff != "" {
		t.Errorf("Get() (-want +got):\n%s", diff)
	}
}

func TestSaveIgnoresStaleHint(t *testing.T) {
	d, _ := newTestDB(t, t.TempDir(), nil)
	d.Save(nil, networkRecord("a"))
	d.Save(nil, networkRecord("b"))
	// the hint claims a revision that no longer exists, the stored value wins
	d.Save(canonical(t, networkRecord("a"), 1), networkRecord("b"))

	rec, _ := d.Get(testNetworkID)
	if rec.Revision != 2 {
		t.Errorf("got revision %d, want 2", rec.Revision)
	}
}

func TestSaveMemberCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)

	d.Save(nil, memberRecord(true))
	path := filepath.Join(root, "network", "8056c2e21c000001", "member", "abcdef0123.json")
	got := readJSON(t, path)
	if got["authorized"] != true || got["nwid"] != "8056c2e21c000001" || got["revision"] != float64(1) {
		t.Errorf("unexpected member file %v", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("member file mode %o, want 600", perm)
	}

	nw, member := d.GetMember(testNetworkID, testMemberID)
	if nw != nil {
		t.Errorf("GetMember() returned network %v, want none", nw)
	}
	if member == nil || member.Revision != 1 {
		t.Errorf("GetMember() returned member %v", member)
	}
	if diff := cmp.Diff([]change{{Kind: api.KindMember, New: canonical(t, memberRecord(true), 1)}}, l.take()); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
}

func TestSaveWriteFailure(t *testing.T) {
	l := &recorder{}
	d, _ := newTestDB(t, t.TempDir(), l)
	writes := countWrites(t, true)

	d.Save(nil, networkRecord("a"))
	// one attempt and one retry after creating the directory
	if *writes != 2 {
		t.Errorf("got %d write attempts, want 2", *writes)
	}
	if _, ok := d.Get(testNetworkID); !ok {
		t.Error("Get() did not find the network after a failed write")
	}
	if changes := l.take(); len(changes) != 1 {
		t.Errorf("got %d notifications, want 1", len(changes))
	}
}

func TestSaveDropsInvalid(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)
	writes := countWrites(t, false)

	for _, rec := range []api.Record{
		{Kind: api.KindNetwork, ID: "nope"},
		{Kind: api.KindMember, ID: "abcdef0123"},
		{Kind: "route", ID: "8056c2e21c000001"},
		{Kind: api.KindTrace, ID: "../escape"},
	} {
		d.Save(nil, rec)
	}
	if *writes != 0 {
		t.Errorf("got %d writes, want 0", *writes)
	}
	if changes := l.take(); len(changes) != 0 {
		t.Errorf("got notifications %v", changes)
	}
}

func TestSaveTrace(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)

	trace := api.Record{Kind: api.KindTrace, ID: "5f2c", Fields: map[string]any{"event": "join"}}
	d.Save(nil, trace)
	d.Save(nil, trace)
	got := readJSON(t, filepath.Join(root, "trace", "5f2c.json"))
	if diff := cmp.Diff(map[string]any{"objtype": "trace", "id": "5f2c", "event": "join"}, got); diff != "" {
		t.Errorf("trace file (-want +got):\n%s", diff)
	}
	if changes := l.take(); len(changes) != 0 {
		t.Errorf("traces notified %v", changes)
	}
}

func TestEraseNetwork(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)

	d.Save(nil, networkRecord("a"))
	d.Save(nil, memberRecord(true))
	d.NodeIsOnline(testNetworkID, testMemberID, netip.MustParseAddrPort("192.0.2.1:9993"))
	d.flush()
	l.take()

	for _, path := range []string{
		filepath.Join(root, "network", "8056c2e21c000001.json"),
		filepath.Join(root, "network", "8056c2e21c000001-online.json"),
		filepath.Join(root, "network", "8056c2e21c000001", "member", "abcdef0123.json"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}

	d.EraseNetwork(testNetworkID)
	entries, err := os.ReadDir(filepath.Join(root, "network"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("network directory not empty after erase: %v", entries)
	}
	if _, ok := d.Get(testNetworkID); ok {
		t.Error("Get() found an erased network")
	}
	if nw, member := d.GetMember(testNetworkID, testMemberID); nw != nil || member != nil {
		t.Errorf("GetMember() found erased records %v %v", nw, member)
	}
	if _, ok := d.LastOnline(testNetworkID, testMemberID); ok {
		t.Error("LastOnline() found presence of an erased network")
	}
	if diff := cmp.Diff([]change{{Kind: api.KindNetwork, Old: canonical(t, networkRecord("a"), 1)}}, l.take()); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}

	// a flush after the erase must not bring the sidecar back
	d.flush()
	if _, err := os.Stat(filepath.Join(root, "network", "8056c2e21c000001-online.json")); !os.IsNotExist(err) {
		t.Errorf("online sidecar recreated after erase: %v", err)
	}
}

func TestEraseMember(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, _ := newTestDB(t, root, l)

	d.Save(nil, memberRecord(false))
	l.take()
	d.EraseMember(testNetworkID, testMemberID)
	if _, err := os.Stat(filepath.Join(root, "network", "8056c2e21c000001", "member", "abcdef0123.json")); !os.IsNotExist(err) {
		t.Errorf("member file still present: %v", err)
	}
	if _, member := d.GetMember(testNetworkID, testMemberID); member != nil {
		t.Errorf("GetMember() found erased member %v", member)
	}
	if diff := cmp.Diff([]change{{Kind: api.KindMember, Old: canonical(t, memberRecord(false), 1)}}, l.take()); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
	// erasing twice is harmless and silent
	d.EraseMember(testNetworkID, testMemberID)
	if changes := l.take(); len(changes) != 0 {
		t.Errorf("second erase notified %v", changes)
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDB(t, root, nil)
	d.Save(nil, networkRecord("a"))
	d.Save(nil, networkRecord("b"))
	d.Save(nil, memberRecord(true))
	d.NodeIsOnline(testNetworkID, testMemberID, netip.MustParseAddrPort("192.0.2.1:9993"))
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	// files the loader must skip
	nwDir := filepath.Join(root, "network")
	for _, f := range []struct{ name, content string }{
		{"README.json", `{"objtype":"network","id":"8056c2e21c000002"}`},
		{"8056c2e21c000003.json", `{"objtype":"network","id":"8056c2e21c000004"}`},
		{"8056c2e21c000005.json", `not json`},
		{"8056c2e21c000001/member/bad.json", `{}`},
		{"8056c2e21c000001/member/0000000001.json", `{"objtype":"member","id":"0000000001","nwid":"1111111111111111"}`},
	} {
		path := filepath.Join(nwDir, f.name)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(f.content), 0600); err != nil {
			t.Fatal(err)
		}
	}

	l := &recorder{}
	reopened, _ := newTestDB(t, root, l)
	want := []change{
		{Kind: api.KindNetwork, New: canonical(t, networkRecord("b"), 2)},
		{Kind: api.KindMember, New: canonical(t, memberRecord(true), 1)},
	}
	if diff := cmp.Diff(want, l.take()); diff != "" {
		t.Errorf("replayed notifications (-want +got):\n%s", diff)
	}
	obs, ok := reopened.LastOnline(testNetworkID, testMemberID)
	if !ok || obs.Address != netip.MustParseAddrPort("192.0.2.1:9993") || obs.Time.Unix() != 1700000000 {
		t.Errorf("LastOnline() = %v, %v", obs, ok)
	}

	// revisions continue from the stored value
	reopened.Save(nil, networkRecord("c"))
	if rec, _ := reopened.Get(testNetworkID); rec.Revision != 3 {
		t.Errorf("got revision %d, want 3", rec.Revision)
	}
}

func TestNetworkNWIDRoundTrip(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDB(t, root, nil)
	rec := networkRecord("x")
	rec.Fields["nwid"] = "8056c2e21c000001"
	d.Save(nil, rec)

	got := readJSON(t, filepath.Join(root, "network", "8056c2e21c000001.json"))
	if got["nwid"] != "8056c2e21c000001" {
		t.Errorf("network file lost nwid: %v", got)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, _ := newTestDB(t, root, nil)
	loaded, ok := reopened.Get(testNetworkID)
	if !ok {
		t.Fatal("Get() did not find the reloaded network")
	}
	if diff := cmp.Diff(canonical(t, rec, 1), loaded); diff != "" {
		t.Errorf("reloaded network (-want +got):\n%s", diff)
	}
}

func TestPresenceFlush(t *testing.T) {
	root := t.TempDir()
	d, clk := newTestDB(t, root, nil)
	sidecar := filepath.Join(root, "network", "8056c2e21c000001-online.json")

	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:9993"),
		netip.MustParseAddrPort("192.0.2.2:9993"),
	}
	waitForCondition(t, "flusher did not start", clk.HasWaiters, 5*time.Second)
	for i := 0; i < 40; i++ {
		d.NodeIsOnline(testNetworkID, testMemberID, addrs[i%2])
		// repeated sightings at one address collapse
		d.NodeIsOnline(testNetworkID, testMemberID+1, addrs[0])
		clk.Step(time.Second)
	}

	clk.Step(defaultFlushInterval)
	var members map[uint64][]api.Observation
	waitForCondition(t, "online sidecar not written", func() bool {
		data, err := os.ReadFile(sidecar)
		if err != nil {
			return false
		}
		members, err = presence.DecodeSidecar(data)
		return err == nil && len(members[testMemberID]) == presence.MaxHistory
	}, 5*time.Second)

	history := members[testMemberID]
	for i := 1; i < len(history); i++ {
		if history[i].Address == history[i-1].Address {
			t.Errorf("consecutive duplicate address %v at %d", history[i].Address, i)
		}
	}
	if n := len(members[testMemberID+1]); n != 1 {
		t.Errorf("got %d observations for a static member, want 1", n)
	}
}

func TestCloseFlushes(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDB(t, root, nil)
	d.NodeIsOnline(testNetworkID, testMemberID, netip.MustParseAddrPort("[2001:db8::1]:9993"))
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "network", "8056c2e21c000001-online.json"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "{\"abcdef0123\":{\"1700000000\":\"[2001:db8::1]:9993\"}}\n"; string(data) != want {
		t.Errorf("sidecar = %q, want %q", data, want)
	}
	// closing twice is a no-op
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWatchExternalEdits(t *testing.T) {
	root := t.TempDir()
	l := &recorder{}
	d, err := New(Options{Path: root, WatchExternalEdits: true}, l)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	d.Save(nil, networkRecord("a"))
	l.take()

	path := filepath.Join(root, "network", "8056c2e21c000001.json")
	if err := os.WriteFile(path, []byte(`{"objtype":"network","id":"8056c2e21c000001","name":"edited","revision":1}`), 0600); err != nil {
		t.Fatal(err)
	}
	waitForCondition(t, "external edit not reloaded", func() bool {
		rec, ok := d.Get(testNetworkID)
		return ok && rec.Fields["name"] == "edited"
	}, 5*time.Second)
	rec, _ := d.Get(testNetworkID)
	if rec.Revision != 2 {
		t.Errorf("got revision %d, want 2", rec.Revision)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForCondition(t, "external removal not applied", func() bool {
		_, ok := d.Get(testNetworkID)
		return !ok
	}, 5*time.Second)
}

func waitForCondition(t *testing.T, msg string, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
