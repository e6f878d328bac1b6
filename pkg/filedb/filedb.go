// SPDX-License-Identifier: APACHE-2.0

// Package filedb implements the controller database as one JSON file per
// record under a root directory, with member presence flushed periodically
// to a sidecar file per network.
package filedb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/presence"
	"github.com/Konsole512/ZeroTierOne/pkg/revision"
)

const defaultFlushInterval = 5 * time.Second

// Options configures a FileDB.
type Options struct {
	// Path is the root directory.
	Path string
	// FlushInterval is how often dirty presence state is written out.
	FlushInterval time.Duration
	// WatchExternalEdits replays record files modified by other processes.
	WatchExternalEdits bool
	// Clock drives the flush worker and presence timestamps. Defaults to
	// the real clock.
	Clock clock.WithTicker
}

type networkState struct {
	// record is nil when only members of the network are known
	record  *api.Record
	members map[uint64]*api.Record
}

// FileDB is the filesystem backed api.DB.
type FileDB struct {
	networksPath string
	tracePath    string
	listener     api.Listener
	clock        clock.WithTicker

	// mu guards the live view and record files
	mu       sync.RWMutex
	networks map[uint64]*networkState

	presence *presence.Tracker
	// sidecarMu serializes writing and removing online sidecars
	sidecarMu     sync.Mutex
	flushInterval time.Duration

	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ api.DB = &FileDB{}

// New opens the database rooted at opts.Path, creating the directory layout
// if needed, and replays every stored record to listener before returning.
func New(opts Options, listener api.Listener) (*FileDB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("filedb: path is required")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	registerMetrics()

	d := &FileDB{
		networksPath:  filepath.Join(opts.Path, networkDirName),
		tracePath:     filepath.Join(opts.Path, traceDirName),
		listener:      listener,
		clock:         opts.Clock,
		networks:      make(map[uint64]*networkState),
		presence:      presence.NewTracker(opts.Clock),
		flushInterval: opts.FlushInterval,
	}
	for _, dir := range []string{opts.Path, d.networksPath, d.tracePath} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("filedb: failed to create %s: %w", dir, err)
		}
	}
	if err := os.Chmod(opts.Path, 0700); err != nil {
		klog.Warningf("Unable to lock down permissions of %s: %v", opts.Path, err)
	}

	if err := d.load(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	if opts.WatchExternalEdits {
		if err := d.startWatcher(ctx); err != nil {
			cancel()
			return nil, err
		}
	}
	d.wg.Add(1)
	go d.runFlusher(ctx)
	return d, nil
}

// WaitForReady returns immediately, all records are loaded by New.
func (d *FileDB) WaitForReady(ctx context.Context) error { return nil }

func (d *FileDB) IsReady() bool { return true }

func (d *FileDB) Save(previous *api.Record, candidate api.Record) {
	rec, ident, err := candidate.Canonicalize()
	if err != nil {
		klog.V(4).Infof("Dropping record: %v", err)
		return
	}
	if ident.Kind == api.KindTrace {
		d.saveTrace(ident, rec)
		return
	}

	d.mu.Lock()
	current := d.lookup(ident)
	stamped, changed := revision.Decide(current, rec)
	if !changed {
		d.mu.Unlock()
		klog.V(5).Infof("Record %s unchanged at revision %d", d.recordPath(ident), stamped.Revision)
		return
	}
	if previous != nil && current != nil && previous.Revision != current.Revision {
		klog.V(2).Infof("Stale revision hint %d for %s, stored revision is %d", previous.Revision, d.recordPath(ident), current.Revision)
	}
	d.persist(ident, &stamped)
	d.put(ident, &stamped)
	d.mu.Unlock()

	api.Notify(d.listener, ident.Kind, current.DeepCopy(), stamped.DeepCopy())
}

func (d *FileDB) saveTrace(ident api.Identity, rec api.Record) {
	rec.Revision = 0
	d.persist(ident, &rec)
}

// persist writes a record file. Failures are logged, the live view is
// updated regardless.
func (d *FileDB) persist(ident api.Identity, rec *api.Record) {
	path := d.recordPath(ident)
	data, err := json.Marshal(rec)
	if err != nil {
		klog.Errorf("Failed to encode record for %s: %v", path, err)
		persistenceFailures.WithLabelValues(string(ident.Kind)).Inc()
		return
	}
	if err := writeWithRetry(path, data); err != nil {
		klog.Warningf("Controller unable to write to path %s: %v", path, err)
		persistenceFailures.WithLabelValues(string(ident.Kind)).Inc()
		return
	}
	recordWrites.WithLabelValues(string(ident.Kind)).Inc()
}

// lookup returns the stored record for ident. Must be called with mu held.
func (d *FileDB) lookup(ident api.Identity) *api.Record {
	nw, ok := d.networks[ident.NetworkID]
	if !ok {
		return nil
	}
	if ident.Kind == api.KindNetwork {
		return nw.record
	}
	return nw.members[ident.MemberID]
}

// put stores a record in the live view. Must be called with mu held.
func (d *FileDB) put(ident api.Identity, rec *api.Record) {
	nw, ok := d.networks[ident.NetworkID]
	if !ok {
		nw = &networkState{members: make(map[uint64]*api.Record)}
		d.networks[ident.NetworkID] = nw
	}
	if ident.Kind == api.KindNetwork {
		nw.record = rec
		return
	}
	nw.members[ident.MemberID] = rec
}

func (d *FileDB) Get(networkID uint64) (*api.Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nw, ok := d.networks[networkID]
	if !ok || nw.record == nil {
		return nil, false
	}
	return nw.record.DeepCopy(), true
}

func (d *FileDB) GetMember(networkID, memberID uint64) (*api.Record, *api.Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nw, ok := d.networks[networkID]
	if !ok {
		return nil, nil
	}
	return nw.record.DeepCopy(), nw.members[memberID].DeepCopy()
}

// EraseNetwork removes the network file, its online sidecar and every
// member file of the network.
func (d *FileDB) EraseNetwork(networkID uint64) {
	d.mu.Lock()
	var old *api.Record
	if nw, ok := d.networks[networkID]; ok {
		old = nw.record
		delete(d.networks, networkID)
	}
	if err := removeFile(d.networkFile(networkID)); err != nil {
		klog.Warningf("Failed to remove network %s: %v", api.FormatNetworkID(networkID), err)
	}
	if err := os.RemoveAll(d.memberDir(networkID)); err != nil {
		klog.Warningf("Failed to remove members of network %s: %v", api.FormatNetworkID(networkID), err)
	}
	_ = removeFile(d.networkDir(networkID))
	d.mu.Unlock()

	d.presence.EraseNetwork(networkID)
	d.sidecarMu.Lock()
	if err := removeFile(d.onlineFile(networkID)); err != nil {
		klog.Warningf("Failed to remove online state of network %s: %v", api.FormatNetworkID(networkID), err)
	}
	d.sidecarMu.Unlock()

	if old != nil {
		api.Notify(d.listener, api.KindNetwork, old.DeepCopy(), nil)
	}
}

func (d *FileDB) EraseMember(networkID, memberID uint64) {
	d.mu.Lock()
	var old *api.Record
	if nw, ok := d.networks[networkID]; ok {
		old = nw.members[memberID]
		delete(nw.members, memberID)
	}
	if err := removeFile(d.memberFile(networkID, memberID)); err != nil {
		klog.Warningf("Failed to remove member %s of network %s: %v", api.FormatMemberID(memberID), api.FormatNetworkID(networkID), err)
	}
	d.mu.Unlock()

	d.presence.EraseMember(networkID, memberID)
	if old != nil {
		api.Notify(d.listener, api.KindMember, old.DeepCopy(), nil)
	}
}

func (d *FileDB) NodeIsOnline(networkID, memberID uint64, addr netip.AddrPort) {
	d.presence.Observe(networkID, memberID, addr)
}

func (d *FileDB) LastOnline(networkID, memberID uint64) (api.Observation, bool) {
	return d.presence.Latest(networkID, memberID)
}

// Close stops the background workers, waits for them to exit and writes
// out any pending presence state.
func (d *FileDB) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.flush()
	})
	return nil
}
