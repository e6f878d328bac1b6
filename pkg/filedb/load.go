// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/presence"
)

// load replays every network and member file through the listener, the
// same way live updates are notified, and seeds presence from the online
// sidecars. Unreadable or invalid files are skipped.
func (d *FileDB) load() error {
	entries, err := os.ReadDir(d.networksPath)
	if err != nil {
		return fmt.Errorf("filedb: failed to list %s: %w", d.networksPath, err)
	}
	var networks, members int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		switch {
		case isNetworkFileName(name):
			path := filepath.Join(d.networksPath, name)
			rec, ident, ok := readRecord(path, api.KindNetwork)
			if !ok || ident.NetworkID != mustParseNetworkID(strings.TrimSuffix(name, jsonExt)) {
				klog.V(2).Infof("Skipping invalid network file %s", path)
				continue
			}
			d.put(ident, rec)
			api.Notify(d.listener, api.KindNetwork, nil, rec.DeepCopy())
			networks++
			members += d.loadMembers(ident.NetworkID)
		case isOnlineFileName(name):
			d.loadOnline(filepath.Join(d.networksPath, name), strings.TrimSuffix(name, onlineSuffix))
		}
	}
	klog.Infof("Loaded %d networks and %d members from %s", networks, members, d.networksPath)
	return nil
}

func (d *FileDB) loadMembers(networkID uint64) int {
	dir := d.memberDir(networkID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("Failed to list members in %s: %v", dir, err)
		}
		return 0
	}
	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isMemberFileName(name) {
			continue
		}
		path := filepath.Join(dir, name)
		rec, ident, ok := readRecord(path, api.KindMember)
		if !ok || ident.NetworkID != networkID || api.FormatMemberID(ident.MemberID)+jsonExt != strings.ToLower(name) {
			klog.V(2).Infof("Skipping invalid member file %s", path)
			continue
		}
		d.put(ident, rec)
		api.Notify(d.listener, api.KindMember, nil, rec.DeepCopy())
		loaded++
	}
	return loaded
}

func (d *FileDB) loadOnline(path, nwidStr string) {
	networkID, ok := api.ParseNetworkID(nwidStr)
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Warningf("Failed to read online state %s: %v", path, err)
		return
	}
	members, err := presence.DecodeSidecar(data)
	if err != nil {
		klog.Warningf("Ignoring online state %s: %v", path, err)
		return
	}
	d.presence.Load(networkID, members)
}

// readRecord reads and validates a record file of the expected kind.
func readRecord(path string, kind api.Kind) (*api.Record, api.Identity, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.V(2).Infof("Failed to read %s: %v", path, err)
		return nil, api.Identity{}, false
	}
	var raw api.Record
	if err := json.Unmarshal(data, &raw); err != nil {
		klog.V(2).Infof("Failed to parse %s: %v", path, err)
		return nil, api.Identity{}, false
	}
	if raw.Kind != kind {
		return nil, api.Identity{}, false
	}
	rec, ident, err := raw.Canonicalize()
	if err != nil {
		return nil, api.Identity{}, false
	}
	return &rec, ident, true
}

func mustParseNetworkID(s string) uint64 {
	id, _ := api.ParseNetworkID(s)
	return id
}
