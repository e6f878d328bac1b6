// SPDX-License-Identifier: APACHE-2.0

// Package lfdb implements the controller database on top of a local record
// cache kept in sync with an LF node. A single worker polls the node for
// network and member records and merges them into the cache.
package lfdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/cache"
	"github.com/Konsole512/ZeroTierOne/pkg/presence"
	"github.com/Konsole512/ZeroTierOne/pkg/revision"
)

const (
	DefaultNamePrefix   = "com.zerotier.controller.lfdb:"
	DefaultPollInterval = 2 * time.Second
	DefaultRewind       = 120 * time.Second
	DefaultTimeout      = 600 * time.Second
)

// Options configures an LFDB.
type Options struct {
	// Endpoint is the base URL of the LF node.
	Endpoint string
	// ControllerAddress is the 40 bit address of this controller. It masks
	// the keyspace names.
	ControllerAddress uint64
	// OwnerPublic scopes queries to records of a single owner.
	OwnerPublic string
	NamePrefix  string

	PollInterval   time.Duration
	Rewind         time.Duration
	RequestTimeout time.Duration
	QPS            float64
	Burst          int

	// StoreOnlineState enables presence tracking of known members.
	StoreOnlineState bool

	// Cache holds the synced records. Defaults to a memory store. Records
	// already in the cache are replayed to the listener by New.
	Cache cache.Store
	// ResetCache empties Cache before the replay, forcing a full resync.
	ResetCache bool

	HTTPClient *http.Client
	Clock      clock.WithTicker
}

// LFDB is the api.DB backed by an LF node.
type LFDB struct {
	client     *Client
	prefix     string
	controller string
	owner      string
	interval   time.Duration
	rewind     time.Duration
	listener   api.Listener
	clock      clock.WithTicker

	// mu guards the cache
	mu    sync.Mutex
	store cache.Store

	storeOnline bool
	presence    *presence.Tracker

	readyChan chan struct{}
	readyOnce sync.Once

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ api.DB = &LFDB{}

// New replays the cached records to listener and starts the sync worker.
func New(opts Options, listener api.Listener) (*LFDB, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("lfdb: endpoint is required")
	}
	if opts.ControllerAddress == 0 || opts.ControllerAddress > api.MaxMemberID {
		return nil, fmt.Errorf("lfdb: invalid controller address %x", opts.ControllerAddress)
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Rewind < 0 {
		return nil, fmt.Errorf("lfdb: negative rewind %v", opts.Rewind)
	}
	if opts.Rewind == 0 {
		opts.Rewind = DefaultRewind
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultTimeout
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewLocalStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	registerMetrics()

	d := &LFDB{
		client:      NewClient(opts.Endpoint, opts.HTTPClient, opts.RequestTimeout, opts.QPS, opts.Burst),
		prefix:      opts.NamePrefix,
		controller:  api.FormatMemberID(opts.ControllerAddress),
		owner:       opts.OwnerPublic,
		interval:    opts.PollInterval,
		rewind:      opts.Rewind,
		listener:    listener,
		clock:       opts.Clock,
		store:       opts.Cache,
		storeOnline: opts.StoreOnlineState,
		presence:    presence.NewBoundedTracker(opts.Clock, presence.MaxHistory),
		readyChan:   make(chan struct{}),
	}
	if opts.ResetCache {
		klog.Infof("Resetting record cache")
		if err := d.store.Clear(); err != nil {
			return nil, fmt.Errorf("lfdb: failed to reset cache: %w", err)
		}
	}
	if err := d.replay(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(ctx)
	return d, nil
}

// replay notifies every cached record, networks before their members.
func (d *LFDB) replay() error {
	records, err := d.store.List()
	if err != nil {
		return fmt.Errorf("lfdb: failed to read cache: %w", err)
	}
	var members []*api.Record
	for _, rec := range records {
		switch rec.Kind {
		case api.KindNetwork:
			api.Notify(d.listener, api.KindNetwork, nil, rec.DeepCopy())
		case api.KindMember:
			members = append(members, rec)
		}
	}
	for _, rec := range members {
		api.Notify(d.listener, api.KindMember, nil, rec.DeepCopy())
	}
	klog.Infof("Replayed %d cached records", len(records))
	return nil
}

// run executes sync passes until ctx is cancelled. The time range of each
// pass starts rewind before the start of the previous pass so records that
// became visible late are still picked up.
func (d *LFDB) run(ctx context.Context) {
	defer d.wg.Done()
	logger := klog.FromContext(ctx).WithValues("controller", d.controller)
	var watermark uint64
	for {
		start := d.clock.Now()
		d.pass(ctx, logger, watermark)
		if ctx.Err() != nil {
			return
		}
		d.readyOnce.Do(func() {
			logger.Info("Initial sync pass complete")
			close(d.readyChan)
		})
		syncPasses.Inc()

		next := start.Add(-d.rewind).Unix()
		if next < 0 {
			next = 0
		}
		watermark = uint64(next)
		watermarkSeconds.Set(float64(watermark))

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.interval):
		}
	}
}

// pass issues the network query and the combined network and member
// query. Failures are logged and do not abort the pass.
func (d *LFDB) pass(ctx context.Context, logger klog.Logger, watermark uint64) {
	for _, keyspaces := range [][]string{
		{networkKeyspace},
		{networkKeyspace, memberKeyspace},
	} {
		q := newQuery(d.prefix, d.controller, d.owner, watermark, keyspaces...)
		body, err := d.client.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				logger.Error(nil, "LF node rejected query", "status", statusErr.Code, "body", statusErr.Body)
			} else {
				logger.Error(err, "LF node query failed", "endpoint", d.client.endpoint)
			}
			continue
		}
		candidates, skipped, err := decodeResponse(body)
		if err != nil {
			logger.Error(err, "Malformed query response")
			continue
		}
		if skipped > 0 {
			logger.V(4).Info("Skipped malformed result sets", "count", skipped)
		}
		for _, c := range candidates {
			d.merge(logger, c)
		}
	}
}

// merge applies one candidate to the cache through the revision rules.
func (d *LFDB) merge(logger klog.Logger, c Candidate) {
	var raw api.Record
	if err := json.Unmarshal([]byte(c.Value), &raw); err != nil {
		logger.V(4).Info("Skipping undecodable record", "timestamp", c.Record.Timestamp, "err", err)
		mergedRecords.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	rec, ident, err := raw.Canonicalize()
	if err != nil || ident.Kind == api.KindTrace {
		logger.V(4).Info("Skipping record without identity", "timestamp", c.Record.Timestamp, "kind", raw.Kind)
		mergedRecords.WithLabelValues(string(raw.Kind), "malformed").Inc()
		return
	}
	old, stamped, changed := d.apply(ident, rec)
	if !changed {
		mergedRecords.WithLabelValues(string(ident.Kind), "unchanged").Inc()
		return
	}
	logger.V(5).Info("Merged record", "kind", ident.Kind, "id", rec.ID, "revision", stamped.Revision, "timestamp", c.Record.Timestamp)
	mergedRecords.WithLabelValues(string(ident.Kind), "changed").Inc()
	api.Notify(d.listener, ident.Kind, old, stamped)
}

// apply stores rec if it differs from the cached value and returns copies
// of the previous and the stamped record.
func (d *LFDB) apply(ident api.Identity, rec api.Record) (*api.Record, *api.Record, bool) {
	key, ok := cache.Key(ident)
	if !ok {
		return nil, nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current, _ := d.store.Get(key)
	stamped, changed := revision.Decide(current, rec)
	if !changed {
		return nil, nil, false
	}
	if err := d.store.Upsert(key, &stamped); err != nil {
		klog.Warningf("Failed to cache %s: %v", key, err)
	}
	return current.DeepCopy(), stamped.DeepCopy(), true
}

// WaitForReady blocks until the first sync pass has completed.
func (d *LFDB) WaitForReady(ctx context.Context) error {
	select {
	case <-d.readyChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LFDB) IsReady() bool {
	select {
	case <-d.readyChan:
		return true
	default:
		return false
	}
}

// Save merges candidate into the local cache. Publishing records to the
// node is not supported.
func (d *LFDB) Save(previous *api.Record, candidate api.Record) {
	rec, ident, err := candidate.Canonicalize()
	if err != nil {
		klog.V(4).Infof("Dropping record: %v", err)
		return
	}
	if ident.Kind == api.KindTrace {
		return
	}
	old, stamped, changed := d.apply(ident, rec)
	if !changed {
		return
	}
	if previous != nil && old != nil && previous.Revision != old.Revision {
		klog.V(2).Infof("Stale revision hint %d for %s %s, cached revision is %d", previous.Revision, ident.Kind, rec.ID, old.Revision)
	}
	api.Notify(d.listener, ident.Kind, old, stamped)
}

func (d *LFDB) Get(networkID uint64) (*api.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.store.Get(cache.NetworkKey(networkID))
	if !ok {
		return nil, false
	}
	return rec.DeepCopy(), true
}

func (d *LFDB) GetMember(networkID, memberID uint64) (*api.Record, *api.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nw, _ := d.store.Get(cache.NetworkKey(networkID))
	member, _ := d.store.Get(cache.MemberKey(networkID, memberID))
	return nw.DeepCopy(), member.DeepCopy()
}

// EraseNetwork drops the network and its members from the local cache.
func (d *LFDB) EraseNetwork(networkID uint64) {
	key := cache.NetworkKey(networkID)
	d.mu.Lock()
	old, ok := d.store.Get(key)
	if err := d.store.Delete(key); err != nil {
		klog.Warningf("Failed to remove %s from cache: %v", key, err)
	}
	if err := d.store.DeletePrefix(cache.MemberPrefix(networkID)); err != nil {
		klog.Warningf("Failed to remove members of %s from cache: %v", key, err)
	}
	d.mu.Unlock()

	d.presence.EraseNetwork(networkID)
	if ok {
		api.Notify(d.listener, api.KindNetwork, old.DeepCopy(), nil)
	}
}

func (d *LFDB) EraseMember(networkID, memberID uint64) {
	key := cache.MemberKey(networkID, memberID)
	d.mu.Lock()
	old, ok := d.store.Get(key)
	if err := d.store.Delete(key); err != nil {
		klog.Warningf("Failed to remove %s from cache: %v", key, err)
	}
	d.mu.Unlock()

	d.presence.EraseMember(networkID, memberID)
	if ok {
		api.Notify(d.listener, api.KindMember, old.DeepCopy(), nil)
	}
}

// NodeIsOnline records an observation of a cached member. Observations of
// unknown members are dropped.
func (d *LFDB) NodeIsOnline(networkID, memberID uint64, addr netip.AddrPort) {
	if !d.storeOnline {
		return
	}
	d.mu.Lock()
	_, known := d.store.Get(cache.MemberKey(networkID, memberID))
	d.mu.Unlock()
	if !known {
		klog.V(6).Infof("Ignoring presence of unknown member %s of network %s", api.FormatMemberID(memberID), api.FormatNetworkID(networkID))
		return
	}
	d.presence.Observe(networkID, memberID, addr)
}

func (d *LFDB) LastOnline(networkID, memberID uint64) (api.Observation, bool) {
	return d.presence.Latest(networkID, memberID)
}

// Close stops the sync worker, waits for it to exit and closes the cache.
func (d *LFDB) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.closeErr = d.store.Close()
	})
	return d.closeErr
}
