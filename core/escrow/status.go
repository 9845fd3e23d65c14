package escrow

import (
	"errors"
	"fmt"
)

// Kind identifies the entity families tracked by the status ledger.
type Kind string

const (
	KindEscrow    Kind = "escrow"
	KindMilestone Kind = "milestone"
	KindProof     Kind = "proof"
	KindPayment   Kind = "payment"
	KindToken     Kind = "token"
)

// Escrow lifecycle statuses as reported by the backend.
const (
	EscrowStatusDraft      = "DRAFT"
	EscrowStatusActive     = "ACTIVE"
	EscrowStatusFunded     = "FUNDED"
	EscrowStatusReleasable = "RELEASABLE"
	EscrowStatusReleased   = "RELEASED"
	EscrowStatusRefunded   = "REFUNDED"
	EscrowStatusCancelled  = "CANCELLED"
)

// Milestone lifecycle statuses.
const (
	MilestoneStatusWaiting       = "WAITING"
	MilestoneStatusPendingReview = "PENDING_REVIEW"
	MilestoneStatusApproved      = "APPROVED"
	MilestoneStatusRejected      = "REJECTED"
	MilestoneStatusPaying        = "PAYING"
	MilestoneStatusPaid          = "PAID"
)

// Proof lifecycle statuses. A decided proof is immutable; resubmission creates
// a fresh proof rather than reopening the decided one.
const (
	ProofStatusPending  = "PENDING"
	ProofStatusApproved = "APPROVED"
	ProofStatusRejected = "REJECTED"
)

// Payment lifecycle statuses.
const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusSent     = "SENT"
	PaymentStatusSettled  = "SETTLED"
	PaymentStatusError    = "ERROR"
	PaymentStatusRefunded = "REFUNDED"
)

// External proof token lifecycle statuses.
const (
	TokenStatusActive  = "ACTIVE"
	TokenStatusExpired = "EXPIRED"
	TokenStatusRevoked = "REVOKED"
	TokenStatusUsed    = "USED"
)

// ErrUnknownStatus is returned when a status value is not part of the ledger
// for the requested kind. Callers must handle it explicitly instead of
// treating unfamiliar backend statuses as non-terminal.
var ErrUnknownStatus = errors.New("escrow: unrecognized status")

// ErrUnknownKind is returned for entity kinds the ledger does not track.
var ErrUnknownKind = errors.New("escrow: unrecognized entity kind")

// transitions is the legal next-status graph per entity kind. A status mapping
// to an empty set is terminal. The backend remains authoritative for actual
// transitions; this table backs client-side sanity checks and tests.
var transitions = map[Kind]map[string][]string{
	KindEscrow: {
		EscrowStatusDraft:      {EscrowStatusActive, EscrowStatusCancelled},
		EscrowStatusActive:     {EscrowStatusFunded, EscrowStatusCancelled},
		EscrowStatusFunded:     {EscrowStatusReleasable, EscrowStatusReleased, EscrowStatusRefunded},
		EscrowStatusReleasable: {EscrowStatusReleased, EscrowStatusRefunded},
		EscrowStatusReleased:   {},
		EscrowStatusRefunded:   {},
		EscrowStatusCancelled:  {},
	},
	KindMilestone: {
		MilestoneStatusWaiting:       {MilestoneStatusPendingReview},
		MilestoneStatusPendingReview: {MilestoneStatusApproved, MilestoneStatusRejected},
		MilestoneStatusApproved:      {MilestoneStatusPaying},
		// A rejected milestone reopens when a fresh proof is submitted.
		MilestoneStatusRejected: {MilestoneStatusPendingReview},
		MilestoneStatusPaying:   {MilestoneStatusPaid},
		MilestoneStatusPaid:     {},
	},
	KindProof: {
		ProofStatusPending:  {ProofStatusApproved, ProofStatusRejected},
		ProofStatusApproved: {},
		ProofStatusRejected: {},
	},
	KindPayment: {
		PaymentStatusPending:  {PaymentStatusSent, PaymentStatusError},
		PaymentStatusSent:     {PaymentStatusSettled, PaymentStatusError, PaymentStatusRefunded},
		PaymentStatusSettled:  {},
		PaymentStatusError:    {},
		PaymentStatusRefunded: {},
	},
	KindToken: {
		TokenStatusActive:  {TokenStatusExpired, TokenStatusRevoked, TokenStatusUsed},
		TokenStatusExpired: {},
		TokenStatusRevoked: {},
		TokenStatusUsed:    {},
	},
}

// IsTerminal reports whether the status admits no further transitions for the
// given kind. Unknown statuses error out rather than defaulting to
// non-terminal so new backend statuses surface loudly.
func IsTerminal(kind Kind, status string) (bool, error) {
	graph, ok := transitions[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	next, ok := graph[status]
	if !ok {
		return false, fmt.Errorf("%w: %s %q", ErrUnknownStatus, kind, status)
	}
	return len(next) == 0, nil
}

// LegalNext returns the set of statuses the entity may legally move to. The
// returned slice is a copy and safe to mutate.
func LegalNext(kind Kind, status string) ([]string, error) {
	graph, ok := transitions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	next, ok := graph[status]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownStatus, kind, status)
	}
	return append([]string(nil), next...), nil
}

// KnownStatus reports whether the ledger recognises the status for the kind.
func KnownStatus(kind Kind, status string) bool {
	graph, ok := transitions[kind]
	if !ok {
		return false
	}
	_, ok = graph[status]
	return ok
}

// CanTransition reports whether moving from one status to another is legal
// according to the ledger.
func CanTransition(kind Kind, from, to string) (bool, error) {
	next, err := LegalNext(kind, from)
	if err != nil {
		return false, err
	}
	if !KnownStatus(kind, to) {
		return false, fmt.Errorf("%w: %s %q", ErrUnknownStatus, kind, to)
	}
	for _, candidate := range next {
		if candidate == to {
			return true, nil
		}
	}
	return false, nil
}

// Tracked reports whether the status warrants close polling while the entity
// is in flight: the backend advances it asynchronously and the client should
// watch for the follow-up transition.
func Tracked(kind Kind, status string) bool {
	switch kind {
	case KindPayment:
		return status == PaymentStatusPending || status == PaymentStatusSent
	case KindMilestone:
		return status == MilestoneStatusPaying
	case KindProof:
		// AI scoring runs server-side while the proof is pending.
		return status == ProofStatusPending
	default:
		return false
	}
}
