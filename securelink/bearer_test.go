package securelink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"escrowdesk/client"
	"escrowdesk/core/escrow"
)

// fakeTokenBackend mimics the backend's token-scoped pathway: a single token
// with an upload budget of one that terminates on submission.
type fakeTokenBackend struct {
	mu      sync.Mutex
	secret  string
	status  string
	uploads int
	maxUp   int
}

func (f *fakeTokenBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/external/uploads", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.authorized(r) || f.status != escrow.TokenStatusActive {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"message":"token terminal"}}`))
			return
		}
		f.uploads++
		_ = json.NewEncoder(w).Encode(client.TokenMetadata{
			TokenID: "tok-42", Status: escrow.TokenStatusActive,
			Target:      client.TokenTarget{EscrowID: "42", MilestoneIdx: 1},
			MaxUploads:  f.maxUp,
			UploadsUsed: f.uploads,
		})
	})
	mux.HandleFunc("/external/submissions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.authorized(r) || f.status != escrow.TokenStatusActive {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"message":"token terminal"}}`))
			return
		}
		f.status = escrow.TokenStatusUsed
		_ = json.NewEncoder(w).Encode(escrow.Proof{
			ID: "pf-77", EscrowID: "42", Status: escrow.ProofStatusPending,
		})
	})
	return mux
}

func (f *fakeTokenBackend) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+f.secret
}

func TestExternalSubmissionEndToEnd(t *testing.T) {
	backend := &fakeTokenBackend{secret: "s3cret", status: escrow.TokenStatusActive, maxUp: 1}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	api, err := client.New(client.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	target := client.TokenTarget{EscrowID: "42", MilestoneIdx: 1}
	bearer := NewBearer(api, "s3cret", target)

	meta, err := bearer.Upload(context.Background(), "receipt.pdf", strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.UploadsUsed != 1 {
		t.Fatalf("upload budget not consumed: %+v", meta)
	}

	proof, err := bearer.Submit(context.Background(), "work done")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if proof.Status != escrow.ProofStatusPending {
		t.Fatalf("unexpected proof status %s", proof.Status)
	}
	if !bearer.Cleared() {
		t.Fatalf("secret must be purged after a completed submission")
	}

	// A fresh bearer with the same secret hits the terminal token.
	second := NewBearer(api, "s3cret", target)
	_, err = second.Upload(context.Background(), "again.pdf", strings.NewReader("bytes"))
	if !errors.Is(err, ErrLinkTerminal) {
		t.Fatalf("expected ErrLinkTerminal on a used token, got %v", err)
	}
	if !second.Cleared() {
		t.Fatalf("gone response must purge the secret")
	}
	// And the purged bearer never touches the backend again.
	if _, err := second.Submit(context.Background(), "retry"); !errors.Is(err, ErrLinkTerminal) {
		t.Fatalf("purged bearer must fail locally, got %v", err)
	}
}

type fakeBearerAPI struct {
	meta *client.TokenMetadata
}

func (f *fakeBearerAPI) TokenUpload(context.Context, string, string, io.Reader) (*client.TokenMetadata, error) {
	return f.meta, nil
}

func (f *fakeBearerAPI) TokenSubmit(context.Context, string, string) (*escrow.Proof, error) {
	return &escrow.Proof{Status: escrow.ProofStatusPending}, nil
}

func TestBearerRejectsForeignTarget(t *testing.T) {
	api := &fakeBearerAPI{meta: &client.TokenMetadata{
		Target: client.TokenTarget{EscrowID: "99", MilestoneIdx: 3},
	}}
	bearer := NewBearer(api, "s3cret", client.TokenTarget{EscrowID: "42", MilestoneIdx: 1})

	if _, err := bearer.Upload(context.Background(), "f.pdf", strings.NewReader("x")); !errors.Is(err, ErrTargetMismatch) {
		t.Fatalf("expected ErrTargetMismatch, got %v", err)
	}
}
