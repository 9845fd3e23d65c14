package client

import (
	"encoding/json"
	"fmt"
	"time"

	"escrowdesk/core/escrow"
	"escrowdesk/core/viewer"
)

// Page is the paginated list envelope. Some backend endpoints return a bare
// JSON array instead of the envelope; UnmarshalJSON accepts both.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p *Page[T]) UnmarshalJSON(data []byte) error {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*p = Page[T]{Items: items, Total: len(items), Limit: len(items)}
		return nil
	}
	type alias Page[T]
	var envelope alias
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	*p = Page[T](envelope)
	return nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// Summary is the escrow summary response: the escrow plus everything a view
// needs to render it for the caller, with the caller's viewer context.
type Summary struct {
	Escrow                        *escrow.Escrow      `json:"escrow"`
	Milestones                    []*escrow.Milestone `json:"milestones"`
	Proofs                        []*escrow.Proof     `json:"proofs"`
	Payments                      []*escrow.Payment   `json:"payments"`
	ViewerContext                 viewer.Context      `json:"viewer_context"`
	CurrentSubmittableMilestoneID string              `json:"current_submittable_milestone_id"`
	CurrentSubmittableIdx         int                 `json:"current_submittable_milestone_idx"`
}

// ProofDecision is the decide-proof request payload.
type ProofDecision struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Validate rejects decisions outside the approve/reject vocabulary before a
// request is issued.
func (d ProofDecision) Validate() error {
	switch d.Decision {
	case DecisionApprove, DecisionReject:
		return nil
	default:
		return fmt.Errorf("client: unsupported proof decision %q", d.Decision)
	}
}

// TokenTarget binds an external proof token to one escrow milestone.
type TokenTarget struct {
	EscrowID     string `json:"escrow_id"`
	MilestoneIdx int    `json:"milestone_idx"`
}

// TokenIssueRequest is the external token issuance payload.
type TokenIssueRequest struct {
	EscrowID         string `json:"escrow_id"`
	MilestoneIdx     int    `json:"milestone_idx"`
	ExpiresInMinutes int    `json:"expires_in_minutes,omitempty"`
	MaxUploads       int    `json:"max_uploads,omitempty"`
	IssuedToEmail    string `json:"issued_to_email,omitempty"`
	Note             string `json:"note,omitempty"`
}

// TokenMetadata is everything about a token that remains visible after
// issuance. The secret is never part of it.
type TokenMetadata struct {
	TokenID     string      `json:"token_id"`
	Status      string      `json:"status"`
	Target      TokenTarget `json:"target"`
	ExpiresAt   time.Time   `json:"expires_at"`
	MaxUploads  int         `json:"max_uploads"`
	UploadsUsed int         `json:"uploads_used"`
	Note        string      `json:"note,omitempty"`
	IssuedTo    string      `json:"issued_to_email,omitempty"`
}

// TokenIssueResponse carries the one-time secret alongside the persistent
// metadata. The secret field is populated exactly once, at issuance.
type TokenIssueResponse struct {
	Token string `json:"token"`
	TokenMetadata
}
