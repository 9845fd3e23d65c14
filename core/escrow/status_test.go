package escrow

import (
	"errors"
	"testing"
)

func TestIsTerminalMatchesLifecycleTables(t *testing.T) {
	terminal := []struct {
		kind   Kind
		status string
	}{
		{KindEscrow, EscrowStatusReleased},
		{KindEscrow, EscrowStatusRefunded},
		{KindEscrow, EscrowStatusCancelled},
		{KindMilestone, MilestoneStatusPaid},
		{KindProof, ProofStatusApproved},
		{KindProof, ProofStatusRejected},
		{KindPayment, PaymentStatusSettled},
		{KindPayment, PaymentStatusError},
		{KindPayment, PaymentStatusRefunded},
		{KindToken, TokenStatusExpired},
		{KindToken, TokenStatusRevoked},
		{KindToken, TokenStatusUsed},
	}
	for _, tc := range terminal {
		got, err := IsTerminal(tc.kind, tc.status)
		if err != nil {
			t.Fatalf("IsTerminal(%s, %s): %v", tc.kind, tc.status, err)
		}
		if !got {
			t.Fatalf("expected %s %s to be terminal", tc.kind, tc.status)
		}
	}

	open := []struct {
		kind   Kind
		status string
	}{
		{KindEscrow, EscrowStatusDraft},
		{KindEscrow, EscrowStatusFunded},
		{KindMilestone, MilestoneStatusRejected},
		{KindMilestone, MilestoneStatusPaying},
		{KindProof, ProofStatusPending},
		{KindPayment, PaymentStatusSent},
		{KindToken, TokenStatusActive},
	}
	for _, tc := range open {
		got, err := IsTerminal(tc.kind, tc.status)
		if err != nil {
			t.Fatalf("IsTerminal(%s, %s): %v", tc.kind, tc.status, err)
		}
		if got {
			t.Fatalf("expected %s %s to be non-terminal", tc.kind, tc.status)
		}
	}
}

func TestIsTerminalRejectsUnknownStatus(t *testing.T) {
	if _, err := IsTerminal(KindEscrow, "LIMBO"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
	if _, err := IsTerminal(Kind("invoice"), EscrowStatusDraft); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestLegalNextCoversRejectedResubmission(t *testing.T) {
	next, err := LegalNext(KindMilestone, MilestoneStatusRejected)
	if err != nil {
		t.Fatalf("LegalNext: %v", err)
	}
	if len(next) != 1 || next[0] != MilestoneStatusPendingReview {
		t.Fatalf("expected rejected milestone to reopen to pending review, got %v", next)
	}
}

func TestCanTransition(t *testing.T) {
	ok, err := CanTransition(KindPayment, PaymentStatusSent, PaymentStatusSettled)
	if err != nil || !ok {
		t.Fatalf("expected SENT -> SETTLED to be legal, got ok=%v err=%v", ok, err)
	}
	ok, err = CanTransition(KindPayment, PaymentStatusSettled, PaymentStatusSent)
	if err != nil {
		t.Fatalf("CanTransition: %v", err)
	}
	if ok {
		t.Fatalf("settled payments must not transition")
	}
	if _, err := CanTransition(KindProof, ProofStatusPending, "SHELVED"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus for unknown target, got %v", err)
	}
}

func TestTrackedStatuses(t *testing.T) {
	if !Tracked(KindPayment, PaymentStatusSent) {
		t.Fatalf("sent payments require close tracking")
	}
	if !Tracked(KindProof, ProofStatusPending) {
		t.Fatalf("pending proofs require close tracking while scoring runs")
	}
	if Tracked(KindEscrow, EscrowStatusFunded) {
		t.Fatalf("funded escrows do not require close tracking")
	}
	if Tracked(KindPayment, PaymentStatusSettled) {
		t.Fatalf("terminal payments are not tracked")
	}
}
