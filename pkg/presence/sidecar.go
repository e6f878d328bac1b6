// SPDX-License-Identifier: APACHE-2.0

package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

// EncodeSidecar renders the online sidecar of a network:
//
//	{"<member id>":{"<unix seconds>":"<address>", ...}, ...}
//
// Members are sorted by id and, within a member, observations keep the
// order they are given in (newest first after Prune).
func EncodeSidecar(members map[uint64][]api.Observation) ([]byte, error) {
	ids := make([]uint64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:{", api.FormatMemberID(id))
		for j, o := range members[id] {
			if j > 0 {
				buf.WriteByte(',')
			}
			addr, err := json.Marshal(formatAddress(o.Address))
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, "\"%d\":%s", o.Time.Unix(), addr)
		}
		buf.WriteByte('}')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// DecodeSidecar parses an online sidecar. Histories are returned oldest
// first; entries with an invalid member id, timestamp or address are skipped.
func DecodeSidecar(data []byte) (map[uint64][]api.Observation, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode online sidecar: %w", err)
	}
	out := make(map[uint64][]api.Observation, len(raw))
	for idStr, entries := range raw {
		id, ok := api.ParseMemberID(idStr)
		if !ok {
			continue
		}
		history := make([]api.Observation, 0, len(entries))
		for tsStr, addrStr := range entries {
			ts, err := strconv.ParseInt(tsStr, 10, 64)
			if err != nil {
				continue
			}
			addr, err := parseAddress(addrStr)
			if err != nil {
				continue
			}
			history = append(history, api.Observation{Time: time.Unix(ts, 0), Address: addr})
		}
		sort.Slice(history, func(i, j int) bool { return history[i].Time.Before(history[j].Time) })
		out[id] = history
	}
	return out, nil
}

func formatAddress(addr netip.AddrPort) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

func parseAddress(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(s)
}
