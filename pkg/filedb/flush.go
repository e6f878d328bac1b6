// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/presence"
)

// runFlusher writes the online sidecars of dirty networks every flush
// interval until ctx is cancelled.
func (d *FileDB) runFlusher(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.flush()
		}
	}
}

// flush prunes and snapshots presence under the tracker lock and writes the
// sidecars without holding it, so observations are never blocked on I/O.
func (d *FileDB) flush() {
	snapshots := d.presence.Collect()
	if len(snapshots) == 0 {
		return
	}
	for _, snap := range snapshots {
		if err := d.writeOnline(snap); err != nil {
			klog.Warningf("Controller unable to write online state of network %s: %v", api.FormatNetworkID(snap.NetworkID), err)
			persistenceFailures.WithLabelValues("online").Inc()
			d.presence.MarkDirty(snap.NetworkID)
		}
	}
	presenceFlushes.Inc()
}

func (d *FileDB) writeOnline(snap presence.NetworkSnapshot) error {
	data, err := presence.EncodeSidecar(snap.Members)
	if err != nil {
		return err
	}
	d.sidecarMu.Lock()
	defer d.sidecarMu.Unlock()
	// the network may have been erased since the snapshot was taken
	if !d.presence.Has(snap.NetworkID) {
		return nil
	}
	return writeWithRetry(d.onlineFile(snap.NetworkID), data)
}
