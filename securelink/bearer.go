package securelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"escrowdesk/client"
	"escrowdesk/core/escrow"
)

// ErrLinkTerminal means the token is expired, revoked, or used up. The locally
// held secret has been purged; the bearer must request a fresh link instead of
// retrying.
var ErrLinkTerminal = errors.New("securelink: link is no longer usable")

// ErrTargetMismatch means the token is bound to a different escrow milestone
// than the bearer expected. The submission is aborted before reaching the
// backend.
var ErrTargetMismatch = errors.New("securelink: token bound to a different target")

// BearerAPI is the token-scoped backend surface. The secret travels only in
// the authorization header; it never appears in a URL.
type BearerAPI interface {
	TokenUpload(ctx context.Context, secret, filename string, content io.Reader) (*client.TokenMetadata, error)
	TokenSubmit(ctx context.Context, secret, message string) (*escrow.Proof, error)
}

// Bearer is one anonymous holder of a proof-token secret. It tracks the
// secret for the session, enforces the target binding, and purges the secret
// the moment the backend reports the token terminal.
type Bearer struct {
	api    BearerAPI
	target client.TokenTarget

	mu     sync.Mutex
	secret string
}

// NewBearer builds a bearer session from a handed-off secret and the target
// the link was issued for.
func NewBearer(api BearerAPI, secret string, target client.TokenTarget) *Bearer {
	return &Bearer{api: api, secret: secret, target: target}
}

// Cleared reports whether the secret has been purged.
func (b *Bearer) Cleared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.secret == ""
}

func (b *Bearer) currentSecret() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.secret == "" {
		return "", ErrLinkTerminal
	}
	return b.secret, nil
}

// purge drops the secret. Subsequent calls fail with ErrLinkTerminal without
// touching the backend.
func (b *Bearer) purge() {
	b.mu.Lock()
	b.secret = ""
	b.mu.Unlock()
}

// Upload sends one proof file through the token-scoped pathway and returns
// the remaining token metadata. A Gone response purges the secret.
func (b *Bearer) Upload(ctx context.Context, filename string, content io.Reader) (*client.TokenMetadata, error) {
	secret, err := b.currentSecret()
	if err != nil {
		return nil, err
	}
	meta, err := b.api.TokenUpload(ctx, secret, filename, content)
	if err != nil {
		if client.IsGone(err) {
			b.purge()
			return nil, fmt.Errorf("%w: %v", ErrLinkTerminal, err)
		}
		return nil, err
	}
	if err := b.checkTarget(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Submit finalises the submission, creating the proof. A completed submission
// always terminates the token server-side, so the secret is purged on success
// as well as on a Gone response.
func (b *Bearer) Submit(ctx context.Context, message string) (*escrow.Proof, error) {
	secret, err := b.currentSecret()
	if err != nil {
		return nil, err
	}
	proof, err := b.api.TokenSubmit(ctx, secret, message)
	if err != nil {
		if client.IsGone(err) {
			b.purge()
			return nil, fmt.Errorf("%w: %v", ErrLinkTerminal, err)
		}
		return nil, err
	}
	b.purge()
	return proof, nil
}

// checkTarget aborts when the backend-reported binding disagrees with the
// target this bearer was created for.
func (b *Bearer) checkTarget(meta *client.TokenMetadata) error {
	if meta == nil {
		return nil
	}
	if meta.Target.EscrowID != b.target.EscrowID || meta.Target.MilestoneIdx != b.target.MilestoneIdx {
		return fmt.Errorf("%w: token is for escrow %s milestone %d",
			ErrTargetMismatch, meta.Target.EscrowID, meta.Target.MilestoneIdx)
	}
	return nil
}
