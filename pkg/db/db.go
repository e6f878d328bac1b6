// SPDX-License-Identifier: APACHE-2.0

// Package db opens the database backend selected by the configuration.
package db

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/cache"
	"github.com/Konsole512/ZeroTierOne/pkg/config"
	"github.com/Konsole512/ZeroTierOne/pkg/filedb"
	"github.com/Konsole512/ZeroTierOne/pkg/lfdb"
)

// New validates cfg and opens its backend. Stored records are replayed to
// listener before New returns.
func New(cfg config.Config, listener api.Listener) (api.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.Backend {
	case config.BackendLF:
		return newLF(cfg, listener)
	default:
		klog.Infof("Opening file database at %s", cfg.Path)
		return filedb.New(filedb.Options{
			Path:               cfg.Path,
			FlushInterval:      cfg.FlushInterval,
			WatchExternalEdits: cfg.WatchExternalEdits,
		}, listener)
	}
}

func newLF(cfg config.Config, listener api.Listener) (api.DB, error) {
	controller, err := cfg.Controller()
	if err != nil {
		return nil, err
	}
	store, err := newCache(cfg.LF)
	if err != nil {
		return nil, err
	}
	klog.Infof("Opening LF database at %s for controller %s", cfg.LF.Endpoint, cfg.ControllerAddress)
	d, err := lfdb.New(lfdb.Options{
		Endpoint:          cfg.LF.Endpoint,
		ControllerAddress: controller,
		OwnerPublic:       cfg.LF.OwnerPublic,
		NamePrefix:        cfg.LF.NamePrefix,
		PollInterval:      cfg.LF.PollInterval,
		Rewind:            cfg.LF.Rewind,
		RequestTimeout:    cfg.LF.RequestTimeout,
		QPS:               cfg.LF.QueryQPS,
		Burst:             cfg.LF.QueryBurst,
		StoreOnlineState:  cfg.StoreOnlineState,
		Cache:             store,
		ResetCache:        cfg.LF.ResetCache,
	}, listener)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// newCache returns the record cache of the LF backend: memory only, or a
// bbolt file optionally fronted by a bounded LRU.
func newCache(cfg config.LFConfig) (cache.Store, error) {
	if cfg.CachePath == "" {
		return cache.NewLocalStore(), nil
	}
	bolt, err := cache.NewBoltStore(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.CachePath, err)
	}
	if cfg.CacheSize > 0 {
		return cache.NewLRUStore(bolt, cfg.CacheSize), nil
	}
	return bolt, nil
}
