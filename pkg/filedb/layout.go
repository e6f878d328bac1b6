// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

const (
	networkDirName = "network"
	traceDirName   = "trace"
	memberDirName  = "member"
	jsonExt        = ".json"
	onlineSuffix   = "-online.json"
	tmpExt         = ".tmp"

	networkFileLen = 16 + len(jsonExt)
	memberFileLen  = 10 + len(jsonExt)
	onlineFileLen  = 16 + len(onlineSuffix)
)

// Layout:
//
//	<root>/network/<nwid>.json
//	<root>/network/<nwid>-online.json
//	<root>/network/<nwid>/member/<id>.json
//	<root>/trace/<id>.json
func (d *FileDB) networkFile(networkID uint64) string {
	return filepath.Join(d.networksPath, api.FormatNetworkID(networkID)+jsonExt)
}

func (d *FileDB) onlineFile(networkID uint64) string {
	return filepath.Join(d.networksPath, api.FormatNetworkID(networkID)+onlineSuffix)
}

func (d *FileDB) networkDir(networkID uint64) string {
	return filepath.Join(d.networksPath, api.FormatNetworkID(networkID))
}

func (d *FileDB) memberDir(networkID uint64) string {
	return filepath.Join(d.networkDir(networkID), memberDirName)
}

func (d *FileDB) memberFile(networkID, memberID uint64) string {
	return filepath.Join(d.memberDir(networkID), api.FormatMemberID(memberID)+jsonExt)
}

func (d *FileDB) traceFile(id string) string {
	return filepath.Join(d.tracePath, id+jsonExt)
}

// recordPath returns the file that holds an identified record.
func (d *FileDB) recordPath(ident api.Identity) string {
	switch ident.Kind {
	case api.KindNetwork:
		return d.networkFile(ident.NetworkID)
	case api.KindMember:
		return d.memberFile(ident.NetworkID, ident.MemberID)
	default:
		return d.traceFile(ident.TraceID)
	}
}

// parseRecordPath is the inverse of recordPath for network and member files.
func (d *FileDB) parseRecordPath(path string) (api.Identity, bool) {
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)
	switch {
	case dir == filepath.Clean(d.networksPath) && isNetworkFileName(name):
		nwid, ok := api.ParseNetworkID(strings.TrimSuffix(name, jsonExt))
		return api.Identity{Kind: api.KindNetwork, NetworkID: nwid}, ok
	case filepath.Base(dir) == memberDirName && isMemberFileName(name):
		nwDir := filepath.Dir(dir)
		if filepath.Dir(nwDir) != filepath.Clean(d.networksPath) {
			return api.Identity{}, false
		}
		nwid, ok := api.ParseNetworkID(filepath.Base(nwDir))
		if !ok {
			return api.Identity{}, false
		}
		id, ok := api.ParseMemberID(strings.TrimSuffix(name, jsonExt))
		return api.Identity{Kind: api.KindMember, NetworkID: nwid, MemberID: id}, ok
	}
	return api.Identity{}, false
}

func isNetworkFileName(name string) bool {
	return len(name) == networkFileLen && strings.HasSuffix(name, jsonExt) && !strings.HasSuffix(name, onlineSuffix)
}

func isMemberFileName(name string) bool {
	return len(name) == memberFileLen && strings.HasSuffix(name, jsonExt)
}

func isOnlineFileName(name string) bool {
	return len(name) == onlineFileLen && strings.HasSuffix(name, onlineSuffix)
}

// writeFile is replaced in tests to count and fail writes.
var writeFile = writeFileAtomic

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpExt
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// writeWithRetry writes a file and, if that fails, creates the missing
// parent directories and tries exactly once more.
func writeWithRetry(path string, data []byte) error {
	err := writeFile(path, data)
	if err == nil {
		return nil
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
		return fmt.Errorf("unable to write %s: %w", path, errors.Join(err, mkErr))
	}
	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("unable to write %s: %w", path, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
