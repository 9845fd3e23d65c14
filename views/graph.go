package views

import (
	"escrowdesk/observability"
)

// Mutation enumerates the mutation kinds the graph understands.
type Mutation string

const (
	MutationProofSubmit    Mutation = "proof.submit"
	MutationProofDecide    Mutation = "proof.decide"
	MutationPaymentExecute Mutation = "payment.execute"
	MutationEscrowAction   Mutation = "escrow.action"
)

// Graph resolves the complete set of cached views a mutation invalidates.
// The rules encode real cross-entity dependencies and changing them silently
// under-invalidates; over-invalidation is the acceptable failure direction.
type Graph struct {
	cache   *Cache
	metrics *observability.CoordinationMetrics
}

// NewGraph binds the dependency rules to a cache.
func NewGraph(cache *Cache) *Graph {
	return &Graph{cache: cache, metrics: observability.Coordination()}
}

// AffectedViews returns every view key the mutation invalidates for the
// escrow. Parameterised list views are resolved against the cache's stored
// filters; when no stored filter matches, the unfiltered base view is
// returned instead so staleness is never missed.
func (g *Graph) AffectedViews(mutation Mutation, escrowID string) []Key {
	switch mutation {
	case MutationProofSubmit:
		keys := append(g.proofLists(escrowID),
			MilestoneListKey(escrowID),
			NewKey(ViewReviewQueue, nil),
			NewKey(ViewSenderDashboard, nil),
		)
		return append(keys, g.summaries(escrowID)...)
	case MutationProofDecide:
		keys := []Key{
			NewKey(ViewReviewQueue, nil),
			NewKey(ViewSenderDashboard, nil),
		}
		return append(keys, g.summaries(escrowID)...)
	case MutationPaymentExecute:
		return append(g.summaries(escrowID), MilestoneListKey(escrowID))
	case MutationEscrowAction:
		keys := []Key{
			EscrowKey(escrowID),
			MilestoneListKey(escrowID),
		}
		keys = append(keys, g.summaries(escrowID)...)
		keys = append(keys, g.proofLists(escrowID)...)
		return append(keys, NewKey(ViewEscrowList, nil))
	default:
		return nil
	}
}

// Invalidate marks every affected view stale and returns the keys touched.
func (g *Graph) Invalidate(mutation Mutation, escrowID string) []Key {
	keys := dedupe(g.AffectedViews(mutation, escrowID))
	g.cache.MarkStale(keys...)
	g.metrics.RecordInvalidations(string(mutation), len(keys))
	return keys
}

// proofLists resolves the proof list views for an escrow by matching stored
// filters, falling back to the unfiltered base list.
func (g *Graph) proofLists(escrowID string) []Key {
	matched := g.cache.matchKeys(ViewProofList, func(key Key) bool {
		return key.Param("escrow_id") == escrowID
	})
	if len(matched) == 0 {
		return []Key{NewKey(ViewProofList, nil)}
	}
	return matched
}

// summaries resolves every stored summary key for the escrow, viewer-scoped
// keys included, and always adds the two canonical flavors.
func (g *Graph) summaries(escrowID string) []Key {
	keys := g.cache.matchKeys(ViewEscrowSummary, func(key Key) bool {
		return key.Param("id") == escrowID
	})
	return append(keys,
		SummaryKey(escrowID, FlavorSender),
		SummaryKey(escrowID, FlavorAdmin),
	)
}

func dedupe(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
