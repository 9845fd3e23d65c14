package viewer

import (
	"strings"

	"escrowdesk/core/escrow"
)

// CanAction reports whether the caller may attempt the action. It consults
// only the backend-advertised allowed set: an absent or empty set denies
// everything, and an action outside the set is denied regardless of relation
// or status. This is a UX fast path, not a security boundary.
func CanAction(ctx Context, action string) bool {
	if len(ctx.AllowedActions) == 0 {
		return false
	}
	action = strings.ToUpper(strings.TrimSpace(action))
	if action == "" {
		return false
	}
	_, ok := ctx.AllowedActions[action]
	return ok
}

// Snapshot carries the entity statuses an affordance decision depends on.
// Zero-value fields mean "no such entity in view".
type Snapshot struct {
	EscrowStatus    string
	MilestoneStatus string
	ProofStatus     string
}

// Expected computes the action set this client would expect the backend to
// advertise for the relation and statuses. It is the single relation dispatch
// point: views render affordances from it and tests compare it against the
// backend's advertised list to catch contract drift. Unknown relations get
// nothing.
func Expected(relation Relation, snap Snapshot) []string {
	if relation == RelationUnknown {
		return nil
	}
	actions := []string{ActionViewSummary}
	switch relation {
	case RelationSender:
		actions = append(actions, senderActions(snap)...)
	case RelationProvider:
		actions = append(actions, providerActions(snap)...)
	case RelationOps:
		actions = append(actions, opsActions(snap)...)
	case RelationParticipant:
		// Participants observe only.
	}
	return actions
}

func senderActions(snap Snapshot) []string {
	var actions []string
	switch snap.EscrowStatus {
	case escrow.EscrowStatusActive:
		actions = append(actions, ActionFund, ActionCancelEscrow)
	case escrow.EscrowStatusDraft:
		actions = append(actions, ActionCancelEscrow)
	}
	if decisionPending(snap) {
		actions = append(actions, ActionClientApprove, ActionClientReject)
	}
	if snap.EscrowStatus == escrow.EscrowStatusFunded || snap.EscrowStatus == escrow.EscrowStatusReleasable {
		actions = append(actions, ActionCheckDeadline)
		if linkIssuable(snap) {
			actions = append(actions, ActionIssueLink, ActionRevokeLink)
		}
	}
	return actions
}

func providerActions(snap Snapshot) []string {
	if snap.EscrowStatus != escrow.EscrowStatusFunded {
		return nil
	}
	var actions []string
	switch snap.MilestoneStatus {
	case escrow.MilestoneStatusWaiting, escrow.MilestoneStatusRejected:
		actions = append(actions, ActionSubmitProof)
	}
	actions = append(actions, ActionMarkDelivered)
	return actions
}

func opsActions(snap Snapshot) []string {
	actions := []string{ActionCheckDeadline}
	if snap.ProofStatus == escrow.ProofStatusPending {
		actions = append(actions, ActionDecideProof)
	}
	if snap.MilestoneStatus == escrow.MilestoneStatusApproved {
		actions = append(actions, ActionExecutePayment)
	}
	if linkIssuable(snap) {
		actions = append(actions, ActionIssueLink, ActionRevokeLink)
	}
	return actions
}

// decisionPending reports whether a sender-side approve/reject affordance is
// meaningful: a proof awaiting decision or a milestone queued for review.
func decisionPending(snap Snapshot) bool {
	return snap.ProofStatus == escrow.ProofStatusPending ||
		snap.MilestoneStatus == escrow.MilestoneStatusPendingReview
}

// linkIssuable gates external proof-link issuance on the milestone still
// accepting submissions.
func linkIssuable(snap Snapshot) bool {
	switch snap.MilestoneStatus {
	case escrow.MilestoneStatusWaiting, escrow.MilestoneStatusRejected, escrow.MilestoneStatusPendingReview:
		return true
	default:
		return false
	}
}
