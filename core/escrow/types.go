package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PaymentMode selects how escrow funds are released.
type PaymentMode string

const (
	PaymentModeMilestone PaymentMode = "MILESTONE"
	PaymentModeDirectPay PaymentMode = "DIRECT_PAY"
)

// ErrInvalidEscrow describes malformed escrow definitions.
var ErrInvalidEscrow = errors.New("escrow: invalid escrow")

// ErrInvalidMilestone describes malformed milestone definitions.
var ErrInvalidMilestone = errors.New("escrow: invalid milestone")

// Escrow is the top-level funded agreement between a sender and exactly one
// destination: either a platform provider or an off-platform beneficiary.
type Escrow struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Amount        *big.Int    `json:"amount"`
	Currency      string      `json:"currency"`
	Deadline      time.Time   `json:"deadline"`
	PaymentMode   PaymentMode `json:"payment_mode"`
	ProviderID    string      `json:"provider_id,omitempty"`
	BeneficiaryID string      `json:"beneficiary_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	return &clone
}

// Validate checks the structural invariants of an escrow. The destination is
// an XOR: exactly one of provider or beneficiary must be set.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: must not be nil", ErrInvalidEscrow)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidEscrow)
	}
	if !KnownStatus(KindEscrow, e.Status) {
		return fmt.Errorf("%w: %s %q", ErrUnknownStatus, KindEscrow, e.Status)
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEscrow)
	}
	if strings.TrimSpace(e.Currency) == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidEscrow)
	}
	switch e.PaymentMode {
	case PaymentModeMilestone, PaymentModeDirectPay:
	default:
		return fmt.Errorf("%w: unsupported payment mode %q", ErrInvalidEscrow, e.PaymentMode)
	}
	hasProvider := strings.TrimSpace(e.ProviderID) != ""
	hasBeneficiary := strings.TrimSpace(e.BeneficiaryID) != ""
	if hasProvider == hasBeneficiary {
		return fmt.Errorf("%w: exactly one of provider or beneficiary must be set", ErrInvalidEscrow)
	}
	return nil
}

// Milestone is a sequenced, amount-bounded unit of work within an escrow.
type Milestone struct {
	ID            string    `json:"id"`
	EscrowID      string    `json:"escrow_id"`
	SequenceIndex int       `json:"sequence_index"`
	Amount        *big.Int  `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Title         string    `json:"title,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Validate checks a single milestone in isolation.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: must not be nil", ErrInvalidMilestone)
	}
	if strings.TrimSpace(m.EscrowID) == "" {
		return fmt.Errorf("%w: escrow id required", ErrInvalidMilestone)
	}
	if m.SequenceIndex <= 0 {
		return fmt.Errorf("%w: sequence index must be positive", ErrInvalidMilestone)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidMilestone)
	}
	if !KnownStatus(KindMilestone, m.Status) {
		return fmt.Errorf("%w: %s %q", ErrUnknownStatus, KindMilestone, m.Status)
	}
	return nil
}

// ValidateMilestones checks the cross-entity invariants for an escrow's
// milestones: unique positive sequence indexes, currencies matching the
// escrow, and amounts summing to at most the escrow total.
func ValidateMilestones(parent *Escrow, milestones []*Milestone) error {
	if err := parent.Validate(); err != nil {
		return err
	}
	seen := make(map[int]struct{}, len(milestones))
	total := new(big.Int)
	for _, m := range milestones {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.EscrowID != parent.ID {
			return fmt.Errorf("%w: milestone %s belongs to escrow %s", ErrInvalidMilestone, m.ID, m.EscrowID)
		}
		if m.Currency != parent.Currency {
			return fmt.Errorf("%w: milestone %s currency %s does not match escrow currency %s",
				ErrInvalidMilestone, m.ID, m.Currency, parent.Currency)
		}
		if _, dup := seen[m.SequenceIndex]; dup {
			return fmt.Errorf("%w: duplicate sequence index %d", ErrInvalidMilestone, m.SequenceIndex)
		}
		seen[m.SequenceIndex] = struct{}{}
		total.Add(total, m.Amount)
	}
	if total.Cmp(parent.Amount) > 0 {
		return fmt.Errorf("%w: milestone amounts %s exceed escrow total %s", ErrInvalidMilestone, total, parent.Amount)
	}
	return nil
}

// ProofAnalysis carries the advisory AI scoring attached to a proof. It never
// gates transitions; only an explicit decision does.
type ProofAnalysis struct {
	RiskLevel   string   `json:"risk_level,omitempty"`
	Score       float64  `json:"score,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

// Proof is evidence submitted against an escrow and optionally a milestone.
type Proof struct {
	ID          string         `json:"id"`
	EscrowID    string         `json:"escrow_id"`
	MilestoneID string         `json:"milestone_id,omitempty"`
	Status      string         `json:"status"`
	Analysis    *ProofAnalysis `json:"analysis,omitempty"`
	ReviewedBy  string         `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Decided reports whether the proof has reached an immutable decision.
func (p *Proof) Decided() bool {
	if p == nil {
		return false
	}
	return p.Status == ProofStatusApproved || p.Status == ProofStatusRejected
}

// Payment is a fund-movement record created by the backend when a milestone is
// approved. The client observes payments; it never creates them.
type Payment struct {
	ID             string     `json:"id"`
	EscrowID       string     `json:"escrow_id"`
	MilestoneID    string     `json:"milestone_id,omitempty"`
	Status         string     `json:"status"`
	Amount         *big.Int   `json:"amount"`
	Currency       string     `json:"currency"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	}
	return &clone
}
