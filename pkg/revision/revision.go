// SPDX-License-Identifier: APACHE-2.0

// Package revision decides whether a record changed and which revision to
// stamp on it.
package revision

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

var equalOpts = cmp.Options{
	cmpopts.IgnoreFields(api.Record{}, "Revision"),
	cmpopts.EquateEmpty(),
}

// Equal reports whether two records have the same content, ignoring their
// revisions.
func Equal(a, b api.Record) bool {
	return cmp.Equal(a, b, equalOpts)
}

// Decide stamps candidate against the currently stored value.
//
// With no previous value the candidate gets revision 1. If the content is
// unchanged the previous record is returned as is and changed is false.
// Otherwise the candidate gets previous.Revision+1.
func Decide(previous *api.Record, candidate api.Record) (stamped api.Record, changed bool) {
	if previous == nil {
		candidate.Revision = 1
		return candidate, true
	}
	if Equal(*previous, candidate) {
		return *previous, false
	}
	candidate.Revision = previous.Revision + 1
	return candidate, true
}
