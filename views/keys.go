// Package views centralises the cached-view dependency graph: which views
// exist, how they are keyed, and which of them each mutation invalidates.
// All cache writes flow through the declared invalidation and refetch paths
// so the blast radius of every mutation stays enumerable and auditable.
package views

import (
	"net/url"
	"sort"
	"strings"
)

// View names. Parameterised views carry their filter in the key.
const (
	ViewEscrowByID      = "escrow.byid"      // params: id
	ViewEscrowList      = "escrow.list"      // params: optional filters
	ViewEscrowSummary   = "escrow.summary"   // params: id, flavor
	ViewMilestoneList   = "milestone.list"   // params: escrow_id
	ViewProofList       = "proof.list"       // params: escrow_id plus filters
	ViewReviewQueue     = "review.queue"     // admin proof review queue
	ViewSenderDashboard = "dashboard.sender" // sender aggregate
)

// Summary flavors: the same escrow renders differently per audience.
const (
	FlavorSender = "sender"
	FlavorAdmin  = "admin"
)

// Key identifies one cached view. It is a canonical string of the view name
// plus sorted filter parameters, so equal filters always produce equal keys.
type Key string

// NewKey builds a canonical key from a view name and filter parameters.
func NewKey(name string, params map[string]string) Key {
	name = strings.TrimSpace(name)
	if len(params) == 0 {
		return Key(name)
	}
	names := make([]string, 0, len(params))
	for param := range params {
		names = append(names, param)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('?')
	for i, param := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(param))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[param]))
	}
	return Key(b.String())
}

// Name returns the view name component of the key.
func (k Key) Name() string {
	if idx := strings.IndexByte(string(k), '?'); idx >= 0 {
		return string(k[:idx])
	}
	return string(k)
}

// Params returns the decoded filter parameters of the key.
func (k Key) Params() map[string]string {
	idx := strings.IndexByte(string(k), '?')
	if idx < 0 {
		return nil
	}
	values, err := url.ParseQuery(string(k[idx+1:]))
	if err != nil {
		return nil
	}
	params := make(map[string]string, len(values))
	for name := range values {
		params[name] = values.Get(name)
	}
	return params
}

// Param returns one filter parameter, or the empty string.
func (k Key) Param(name string) string {
	return k.Params()[name]
}

// SummaryKey keys an escrow summary view for one audience flavor.
func SummaryKey(escrowID, flavor string) Key {
	return NewKey(ViewEscrowSummary, map[string]string{"id": escrowID, "flavor": flavor})
}

// ViewerSummaryKey keys an escrow summary for one concrete viewer. Summaries
// embed the viewer's context, so they are never shared across principals.
func ViewerSummaryKey(escrowID, flavor, viewerID string) Key {
	return NewKey(ViewEscrowSummary, map[string]string{"id": escrowID, "flavor": flavor, "viewer": viewerID})
}

// EscrowKey keys the escrow-by-id view.
func EscrowKey(escrowID string) Key {
	return NewKey(ViewEscrowByID, map[string]string{"id": escrowID})
}

// MilestoneListKey keys the milestone list for one escrow.
func MilestoneListKey(escrowID string) Key {
	return NewKey(ViewMilestoneList, map[string]string{"escrow_id": escrowID})
}

// ProofListKey keys the proof list for one escrow.
func ProofListKey(escrowID string) Key {
	return NewKey(ViewProofList, map[string]string{"escrow_id": escrowID})
}
