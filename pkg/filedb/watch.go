// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/revision"
)

// startWatcher follows edits made to record files by other processes.
// Writes made by this FileDB are seen too and dropped as unchanged.
func (d *FileDB) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filedb: failed to create file watcher: %w", err)
	}
	if err := watcher.Add(d.networksPath); err != nil {
		watcher.Close()
		return fmt.Errorf("filedb: failed to watch %s: %w", d.networksPath, err)
	}
	d.watcher = watcher

	d.mu.RLock()
	for networkID := range d.networks {
		d.watchNetworkDir(d.networkDir(networkID))
	}
	d.mu.RUnlock()

	d.wg.Add(1)
	go d.runWatcher(ctx)
	return nil
}

func (d *FileDB) watchNetworkDir(dir string) {
	for _, path := range []string{dir, filepath.Join(dir, memberDirName)} {
		if err := d.watcher.Add(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			klog.V(2).Infof("Unable to watch %s: %v", path, err)
		}
	}
}

func (d *FileDB) runWatcher(ctx context.Context) {
	defer d.wg.Done()
	defer d.watcher.Close()
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (d *FileDB) handleEvent(event fsnotify.Event) {
	dir, name := filepath.Split(event.Name)
	dir = filepath.Clean(dir)
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			switch {
			case dir == filepath.Clean(d.networksPath):
				if _, ok := api.ParseNetworkID(name); ok {
					d.watchNetworkDir(event.Name)
				}
			case name == memberDirName:
				d.watchNetworkDir(dir)
			}
			return
		}
	}
	ident, ok := d.parseRecordPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		d.reload(ident, event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		d.forget(ident)
	}
}

// reload merges a record file into the live view through the usual
// revision rules.
func (d *FileDB) reload(ident api.Identity, path string) {
	d.mu.Lock()
	rec, fileIdent, ok := readRecord(path, ident.Kind)
	if !ok || fileIdent != ident {
		d.mu.Unlock()
		klog.V(2).Infof("Ignoring edit of %s", path)
		return
	}
	current := d.lookup(ident)
	stamped, changed := revision.Decide(current, *rec)
	if !changed {
		d.mu.Unlock()
		return
	}
	d.put(ident, &stamped)
	d.mu.Unlock()

	klog.V(2).Infof("Reloaded %s at revision %d", path, stamped.Revision)
	externalReloads.WithLabelValues(string(ident.Kind)).Inc()
	api.Notify(d.listener, ident.Kind, current.DeepCopy(), stamped.DeepCopy())
}

// forget drops a record whose file was removed by another process.
func (d *FileDB) forget(ident api.Identity) {
	d.mu.Lock()
	nw, ok := d.networks[ident.NetworkID]
	if !ok {
		d.mu.Unlock()
		return
	}
	// a rename into place is reported as a remove of the old name on some
	// platforms, keep the record if the file is still there
	if _, err := os.Stat(d.recordPath(ident)); err == nil {
		d.mu.Unlock()
		return
	}
	var old *api.Record
	if ident.Kind == api.KindNetwork {
		old = nw.record
		nw.record = nil
		if len(nw.members) == 0 {
			delete(d.networks, ident.NetworkID)
		}
	} else {
		old = nw.members[ident.MemberID]
		delete(nw.members, ident.MemberID)
	}
	d.mu.Unlock()

	if old != nil {
		externalReloads.WithLabelValues(string(ident.Kind)).Inc()
		api.Notify(d.listener, ident.Kind, old.DeepCopy(), nil)
	}
}
