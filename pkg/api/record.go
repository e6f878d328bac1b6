// SPDX-License-Identifier: APACHE-2.0

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Kind is the object type stored in the "objtype" field of every record.
type Kind string

const (
	KindNetwork Kind = "network"
	KindMember  Kind = "member"
	KindTrace   Kind = "trace"
)

// MaxMemberID is the largest valid device address (40 bits).
const MaxMemberID = 0xffffffffff

// reserved JSON keys that map to typed Record fields
const (
	keyObjType  = "objtype"
	keyID       = "id"
	keyNWID     = "nwid"
	keyRevision = "revision"
)

// Record is a network, member or trace document. Identity and revision are
// typed, everything else is kept as an opaque JSON object in Fields.
type Record struct {
	Kind Kind
	// ID is the network id (16 hex digits), the member address (10 hex
	// digits) or an opaque trace id.
	ID string
	// NetworkID is the owning network of a member record. Other kinds keep
	// an "nwid" field, if any, in Fields.
	NetworkID string
	Revision  uint64
	Fields    map[string]any
}

// Identity is the parsed key of a record.
type Identity struct {
	Kind      Kind
	NetworkID uint64
	MemberID  uint64
	TraceID   string
}

// Observation is a single "last seen" sample of a member.
type Observation struct {
	Time    time.Time
	Address netip.AddrPort
}

func FormatNetworkID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

func FormatMemberID(id uint64) string {
	return fmt.Sprintf("%010x", id)
}

// ParseNetworkID parses a hexadecimal network id. Zero is not a valid id.
func ParseNetworkID(s string) (uint64, bool) {
	if len(s) == 0 || len(s) > 16 {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// ParseMemberID parses a hexadecimal 40-bit device address. Zero is not a
// valid address.
func ParseMemberID(s string) (uint64, bool) {
	if len(s) == 0 || len(s) > 10 {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil || id == 0 || id > MaxMemberID {
		return 0, false
	}
	return id, true
}

// validTraceID rejects ids that would escape the trace directory.
func validTraceID(id string) bool {
	if len(id) == 0 || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Identify returns the identity of the record, or false if a required
// identity field is absent or invalid.
func (r Record) Identify() (Identity, bool) {
	switch r.Kind {
	case KindNetwork:
		nwid, ok := ParseNetworkID(r.ID)
		if !ok {
			return Identity{}, false
		}
		return Identity{Kind: KindNetwork, NetworkID: nwid}, true
	case KindMember:
		nwid, ok := ParseNetworkID(r.NetworkID)
		if !ok {
			return Identity{}, false
		}
		id, ok := ParseMemberID(r.ID)
		if !ok {
			return Identity{}, false
		}
		return Identity{Kind: KindMember, NetworkID: nwid, MemberID: id}, true
	case KindTrace:
		if !validTraceID(r.ID) {
			return Identity{}, false
		}
		return Identity{Kind: KindTrace, TraceID: r.ID}, true
	}
	return Identity{}, false
}

// Canonicalize validates the record, rewrites its ids in their fixed width
// lowercase form and normalizes Fields to their JSON representation so two
// records with the same content compare equal.
func (r Record) Canonicalize() (Record, Identity, error) {
	ident, ok := r.Identify()
	if !ok {
		return Record{}, Identity{}, fmt.Errorf("record of kind %q is missing its identity", r.Kind)
	}
	out, err := r.normalized()
	if err != nil {
		return Record{}, Identity{}, err
	}
	if ident.Kind != KindMember && out.NetworkID != "" {
		if _, ok := out.Fields[keyNWID]; !ok {
			if out.Fields == nil {
				out.Fields = make(map[string]any, 1)
			}
			out.Fields[keyNWID] = out.NetworkID
		}
		out.NetworkID = ""
	}
	switch ident.Kind {
	case KindNetwork:
		out.ID = FormatNetworkID(ident.NetworkID)
	case KindMember:
		out.ID = FormatMemberID(ident.MemberID)
		out.NetworkID = FormatNetworkID(ident.NetworkID)
	}
	return out, ident, nil
}

// normalized round-trips Fields through JSON so numbers become json.Number
// and nested values become map[string]any / []any.
func (r Record) normalized() (Record, error) {
	out := r
	out.Fields = nil
	if len(r.Fields) == 0 {
		return out, nil
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record fields: %w", err)
	}
	fields, err := decodeObject(data)
	if err != nil {
		return Record{}, err
	}
	for _, k := range reservedKeys(r.Kind) {
		delete(fields, k)
	}
	if len(fields) > 0 {
		out.Fields = fields
	}
	return out, nil
}

// DeepCopy returns a copy that shares no mutable state with r.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Fields != nil {
		out.Fields = copyValue(r.Fields).(map[string]any)
	}
	return &out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}

// MarshalJSON flattens the record into a single JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj[keyObjType] = string(r.Kind)
	obj[keyID] = r.ID
	if r.Kind == KindMember {
		obj[keyNWID] = r.NetworkID
	} else if _, ok := obj[keyNWID]; !ok && r.NetworkID != "" {
		obj[keyNWID] = r.NetworkID
	}
	if r.Revision > 0 {
		obj[keyRevision] = r.Revision
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts any JSON object. Identity fields of the wrong type
// are left empty so the record is later dropped as unidentifiable.
func (r *Record) UnmarshalJSON(data []byte) error {
	obj, err := decodeObject(data)
	if err != nil {
		return err
	}
	var out Record
	if s, ok := obj[keyObjType].(string); ok {
		out.Kind = Kind(s)
	}
	if s, ok := obj[keyID].(string); ok {
		out.ID = s
	}
	if s, ok := obj[keyNWID].(string); ok && out.Kind == KindMember {
		out.NetworkID = s
	}
	if n, ok := obj[keyRevision].(json.Number); ok {
		if rev, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			out.Revision = rev
		}
	}
	for _, k := range reservedKeys(out.Kind) {
		delete(obj, k)
	}
	if len(obj) > 0 {
		out.Fields = obj
	}
	*r = out
	return nil
}

// reservedKeys are the JSON keys held in typed fields. Only members carry
// nwid as part of their identity.
func reservedKeys(kind Kind) []string {
	if kind == KindMember {
		return []string{keyObjType, keyID, keyNWID, keyRevision}
	}
	return []string{keyObjType, keyID, keyRevision}
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	return obj, nil
}
