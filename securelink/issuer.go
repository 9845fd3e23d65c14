// Package securelink manages the external proof-token lifecycle: issuance,
// listing, revocation, and the token-scoped submission pathway used by
// off-platform beneficiaries. The token secret is surfaced exactly once at
// issuance; every later read is metadata only.
package securelink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowdesk/client"
)

// Expiry window bounds in minutes: ten minutes to thirty days.
const (
	MinExpiryMinutes = 10
	MaxExpiryMinutes = 43200
)

// ErrExpiryOutOfRange rejects issuance outside the allowed expiry window.
var ErrExpiryOutOfRange = errors.New("securelink: expiry window out of range")

// ErrUploadBudget rejects non-positive upload budgets.
var ErrUploadBudget = errors.New("securelink: max uploads must be at least 1")

// IssuerAPI is the backend surface the issuer needs.
type IssuerAPI interface {
	IssueToken(ctx context.Context, req client.TokenIssueRequest, idempotencyKey string) (*client.TokenIssueResponse, error)
	ListTokens(ctx context.Context, escrowID string, milestoneIdx *int) ([]client.TokenMetadata, error)
	RevokeToken(ctx context.Context, tokenID, idempotencyKey string) (*client.TokenMetadata, error)
}

// IssueParams describes one issuance request.
type IssueParams struct {
	EscrowID         string
	MilestoneIdx     int
	ExpiresInMinutes int
	MaxUploads       int
	IssuedToEmail    string
	Note             string
}

// Validate enforces the issuance invariants before any request is attempted.
func (p IssueParams) Validate() error {
	if strings.TrimSpace(p.EscrowID) == "" {
		return errors.New("securelink: escrow id required")
	}
	if p.MilestoneIdx <= 0 {
		return errors.New("securelink: milestone index must be positive")
	}
	if p.ExpiresInMinutes < MinExpiryMinutes || p.ExpiresInMinutes > MaxExpiryMinutes {
		return fmt.Errorf("%w: %d minutes (allowed %d..%d)",
			ErrExpiryOutOfRange, p.ExpiresInMinutes, MinExpiryMinutes, MaxExpiryMinutes)
	}
	if p.MaxUploads < 1 {
		return ErrUploadBudget
	}
	return nil
}

// IssuedLink pairs the one-time secret with the persistent metadata. Callers
// hand the secret off immediately; it cannot be recovered later.
type IssuedLink struct {
	Secret   string
	Metadata client.TokenMetadata
}

// Issuer issues, lists, and revokes external proof tokens.
type Issuer struct {
	api IssuerAPI
}

// NewIssuer constructs an issuer over the backend API.
func NewIssuer(api IssuerAPI) *Issuer {
	return &Issuer{api: api}
}

// Issue creates a token after validating the expiry window and upload budget
// locally. The returned link carries the secret exactly once.
func (i *Issuer) Issue(ctx context.Context, params IssueParams) (*IssuedLink, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	resp, err := i.api.IssueToken(ctx, client.TokenIssueRequest{
		EscrowID:         params.EscrowID,
		MilestoneIdx:     params.MilestoneIdx,
		ExpiresInMinutes: params.ExpiresInMinutes,
		MaxUploads:       params.MaxUploads,
		IssuedToEmail:    params.IssuedToEmail,
		Note:             params.Note,
	}, client.NewIdempotencyKey())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return nil, errors.New("securelink: backend returned no secret")
	}
	return &IssuedLink{Secret: resp.Token, Metadata: resp.TokenMetadata}, nil
}

// List returns token metadata for an escrow, optionally narrowed to one
// milestone index. Secrets are never part of the result.
func (i *Issuer) List(ctx context.Context, escrowID string, milestoneIdx *int) ([]client.TokenMetadata, error) {
	if strings.TrimSpace(escrowID) == "" {
		return nil, errors.New("securelink: escrow id required")
	}
	return i.api.ListTokens(ctx, escrowID, milestoneIdx)
}

// Revoke revokes a token. Revoking a token that is already EXPIRED, REVOKED,
// or USED is a no-op success returning the unchanged terminal status.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) (*client.TokenMetadata, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, errors.New("securelink: token id required")
	}
	return i.api.RevokeToken(ctx, tokenID, client.NewIdempotencyKey())
}
