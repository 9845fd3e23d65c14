package views

import (
	"testing"
)

func contains(keys []Key, want Key) bool {
	for _, key := range keys {
		if key == want {
			return true
		}
	}
	return false
}

func TestKeyCanonicalisation(t *testing.T) {
	a := NewKey(ViewProofList, map[string]string{"escrow_id": "E1", "status": "PENDING"})
	b := NewKey(ViewProofList, map[string]string{"status": "PENDING", "escrow_id": "E1"})
	if a != b {
		t.Fatalf("parameter order must not change the key: %s vs %s", a, b)
	}
	if a.Name() != ViewProofList {
		t.Fatalf("name decode failed: %s", a.Name())
	}
	if a.Param("escrow_id") != "E1" {
		t.Fatalf("param decode failed: %v", a.Params())
	}
}

func TestProofDecisionStalesBothSummaryFlavors(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)
	cache.Put(SummaryKey("E1", FlavorSender), "sender view")
	cache.Put(SummaryKey("E1", FlavorAdmin), "admin view")

	keys := graph.Invalidate(MutationProofDecide, "E1")

	for _, want := range []Key{
		SummaryKey("E1", FlavorSender),
		SummaryKey("E1", FlavorAdmin),
		NewKey(ViewReviewQueue, nil),
		NewKey(ViewSenderDashboard, nil),
	} {
		if !contains(keys, want) {
			t.Fatalf("proof decision must invalidate %s, got %v", want, keys)
		}
		if !cache.Stale(want) {
			t.Fatalf("%s not marked stale", want)
		}
	}
	if contains(keys, MilestoneListKey("E1")) {
		t.Fatalf("proof decision does not touch the milestone list")
	}
}

func TestProofSubmissionBlastRadius(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)
	filtered := NewKey(ViewProofList, map[string]string{"escrow_id": "E1", "status": "PENDING"})
	cache.Put(filtered, "filtered list")
	otherEscrow := NewKey(ViewProofList, map[string]string{"escrow_id": "E2"})
	cache.Put(otherEscrow, "unrelated list")

	keys := graph.Invalidate(MutationProofSubmit, "E1")

	if !contains(keys, filtered) {
		t.Fatalf("stored filtered proof list must be resolved, got %v", keys)
	}
	if contains(keys, otherEscrow) {
		t.Fatalf("another escrow's proof list must not be invalidated")
	}
	for _, want := range []Key{
		MilestoneListKey("E1"),
		SummaryKey("E1", FlavorSender),
		SummaryKey("E1", FlavorAdmin),
		NewKey(ViewReviewQueue, nil),
		NewKey(ViewSenderDashboard, nil),
	} {
		if !contains(keys, want) {
			t.Fatalf("proof submission must invalidate %s", want)
		}
	}
}

func TestProofListFallsBackToBaseKey(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)

	keys := graph.Invalidate(MutationProofSubmit, "E1")

	if !contains(keys, NewKey(ViewProofList, nil)) {
		t.Fatalf("with no stored filter the unfiltered base list must be invalidated, got %v", keys)
	}
}

func TestProofDecisionStalesViewerScopedSummaries(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)
	senderView := ViewerSummaryKey("E1", FlavorSender, "user-1")
	providerView := ViewerSummaryKey("E1", FlavorSender, "prov-9")
	elsewhere := ViewerSummaryKey("E2", FlavorSender, "user-1")
	cache.Put(senderView, "sender view")
	cache.Put(providerView, "provider view")
	cache.Put(elsewhere, "other escrow")

	keys := graph.Invalidate(MutationProofDecide, "E1")

	for _, want := range []Key{senderView, providerView} {
		if !contains(keys, want) {
			t.Fatalf("viewer-scoped summary %s must be invalidated, got %v", want, keys)
		}
		if !cache.Stale(want) {
			t.Fatalf("%s not marked stale", want)
		}
	}
	if contains(keys, elsewhere) {
		t.Fatalf("another escrow's summary must not be invalidated")
	}
}

func TestPaymentExecutionStalesAllStoredFlavors(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)
	opsFlavor := NewKey(ViewEscrowSummary, map[string]string{"id": "E1", "flavor": "ops"})
	cache.Put(opsFlavor, "ops view")

	keys := graph.Invalidate(MutationPaymentExecute, "E1")

	for _, want := range []Key{
		opsFlavor,
		SummaryKey("E1", FlavorSender),
		SummaryKey("E1", FlavorAdmin),
		MilestoneListKey("E1"),
	} {
		if !contains(keys, want) {
			t.Fatalf("payment execution must invalidate %s, got %v", want, keys)
		}
	}
}

func TestEscrowActionIncludesGlobalList(t *testing.T) {
	cache := NewCache()
	graph := NewGraph(cache)

	keys := graph.Invalidate(MutationEscrowAction, "E1")

	for _, want := range []Key{
		EscrowKey("E1"),
		SummaryKey("E1", FlavorSender),
		SummaryKey("E1", FlavorAdmin),
		MilestoneListKey("E1"),
		NewKey(ViewProofList, nil),
		NewKey(ViewEscrowList, nil),
	} {
		if !contains(keys, want) {
			t.Fatalf("escrow action must invalidate %s, got %v", want, keys)
		}
	}
}

func TestPutClearsStaleness(t *testing.T) {
	cache := NewCache()
	key := SummaryKey("E1", FlavorSender)
	cache.MarkStale(key)
	if !cache.Stale(key) {
		t.Fatalf("mark stale failed")
	}
	cache.Put(key, "fresh")
	if cache.Stale(key) {
		t.Fatalf("put must clear staleness")
	}
	data, ok, fresh := cache.Get(key)
	if !ok || !fresh || data != "fresh" {
		t.Fatalf("unexpected get result: %v %v %v", data, ok, fresh)
	}
}
