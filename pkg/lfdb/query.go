// SPDX-License-Identifier: APACHE-2.0

package lfdb

import (
	"encoding/json"
	"fmt"
	"math"
)

// Keyspace suffixes appended to "<prefix><controller address>".
const (
	networkKeyspace = "/network"
	memberKeyspace  = "/network/member"
)

// Range selects a keyspace name over a range of ordinal keys.
type Range struct {
	Name  string    `json:"Name"`
	Range [2]uint64 `json:"Range"`
}

// Query is the body POSTed to the /query endpoint of an LF node.
type Query struct {
	Ranges     []Range   `json:"Ranges"`
	TimeRange  [2]uint64 `json:"TimeRange"`
	MaskingKey string    `json:"MaskingKey"`
	Owners     []string  `json:"Owners"`
}

// CandidateRecord is the record header of a query result.
type CandidateRecord struct {
	Timestamp int64 `json:"Timestamp"`
}

// Candidate is one selector match of a result set. Value holds the JSON
// document that was stored.
type Candidate struct {
	Record *CandidateRecord `json:"Record"`
	Value  string           `json:"Value"`
}

// newQuery selects every key of the given keyspaces updated at or after
// watermark (unix seconds).
func newQuery(prefix, controller, owner string, watermark uint64, keyspaces ...string) Query {
	q := Query{
		TimeRange:  [2]uint64{watermark, math.MaxUint64},
		MaskingKey: controller,
		Owners:     []string{owner},
	}
	for _, ks := range keyspaces {
		q.Ranges = append(q.Ranges, Range{
			Name:  prefix + controller + ks,
			Range: [2]uint64{0, math.MaxUint64},
		})
	}
	return q
}

// decodeResponse returns the authoritative (first) candidate of every
// result set. Result sets that are empty or malformed are skipped and
// counted, only a body that is not a JSON array is an error.
func decodeResponse(body []byte) ([]Candidate, int, error) {
	var sets []json.RawMessage
	if err := json.Unmarshal(body, &sets); err != nil {
		return nil, 0, fmt.Errorf("query response is not an array: %w", err)
	}
	candidates := make([]Candidate, 0, len(sets))
	skipped := 0
	for _, raw := range sets {
		var set []json.RawMessage
		if err := json.Unmarshal(raw, &set); err != nil || len(set) == 0 {
			skipped++
			continue
		}
		var c Candidate
		if err := json.Unmarshal(set[0], &c); err != nil || c.Record == nil {
			skipped++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, skipped, nil
}
