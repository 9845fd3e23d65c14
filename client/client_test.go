package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{BaseURL: server.URL, Session: func() string { return "session-token" }})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, server
}

func TestRetryOnServerErrorKeepsIdempotencyKey(t *testing.T) {
	var attempts atomic.Int64
	seen := make(map[string]struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("Idempotency-Key")] = struct{}{}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "pay-1", "escrow_id": "esc-1", "status": "SENT", "amount": 100, "currency": "USD"})
	})
	c, _ := newTestClient(t, handler)

	payment, err := c.ExecutePayment(context.Background(), "pay-1", NewIdempotencyKey())
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	if payment.Status != "SENT" {
		t.Fatalf("unexpected status %s", payment.Status)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	if len(seen) != 1 {
		t.Fatalf("idempotency key must stay stable across retries, saw %d distinct keys", len(seen))
	}
}

func TestConflictAndValidationNeverRetry(t *testing.T) {
	for _, tc := range []struct {
		status int
		class  Class
	}{
		{http.StatusConflict, ClassConflict},
		{http.StatusUnprocessableEntity, ClassValidation},
		{http.StatusForbidden, ClassForbidden},
		{http.StatusGone, ClassGone},
	} {
		var attempts atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","code":"E_NOPE"}}`))
		})
		c, _ := newTestClient(t, handler)
		_, err := c.ExecutePayment(context.Background(), "pay-1", NewIdempotencyKey())
		apiErr, ok := AsAPIError(err)
		if !ok {
			t.Fatalf("status %d: expected APIError, got %v", tc.status, err)
		}
		if apiErr.Class != tc.class {
			t.Fatalf("status %d: expected class %s, got %s", tc.status, tc.class, apiErr.Class)
		}
		if attempts.Load() != 1 {
			t.Fatalf("status %d: must not retry, got %d attempts", tc.status, attempts.Load())
		}
	}
}

func TestMutationWithoutKeyIsNotRetried(t *testing.T) {
	var attempts atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, _ := newTestClient(t, handler)
	if _, err := c.ExecutePayment(context.Background(), "pay-1", ""); err == nil {
		t.Fatalf("expected error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("keyless mutation must not retry, got %d attempts", attempts.Load())
	}
}

func TestPageHandlesEnvelopeAndBareArray(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/escrows":
			_, _ = w.Write([]byte(`{"items":[{"id":"esc-1","status":"ACTIVE"}],"total":7,"limit":1,"offset":0}`))
		case "/escrows/esc-1/proofs":
			_, _ = w.Write([]byte(`[{"id":"pf-1","escrow_id":"esc-1","status":"PENDING"}]`))
		default:
			http.NotFound(w, r)
		}
	})
	c, _ := newTestClient(t, handler)

	escrows, err := c.ListEscrows(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("list escrows: %v", err)
	}
	if escrows.Total != 7 || len(escrows.Items) != 1 {
		t.Fatalf("envelope decode failed: %+v", escrows)
	}

	proofs, err := c.ListProofs(context.Background(), "esc-1")
	if err != nil {
		t.Fatalf("list proofs: %v", err)
	}
	if len(proofs.Items) != 1 || proofs.Total != 1 {
		t.Fatalf("bare array decode failed: %+v", proofs)
	}
}

func TestSecretStaysOutOfURL(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("token-scoped call leaked query parameters: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("expected bearer secret header, got %q", got)
		}
		switch r.URL.Path {
		case "/external/uploads":
			_ = json.NewEncoder(w).Encode(map[string]any{"token_id": "tok-1", "status": "ACTIVE", "uploads_used": 1, "max_uploads": 1})
		case "/external/submissions":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "pf-9", "escrow_id": "esc-1", "status": "PENDING"})
		default:
			http.NotFound(w, r)
		}
	})
	c, _ := newTestClient(t, handler)

	if _, err := c.TokenSubmit(context.Background(), "s3cret", "done"); err != nil {
		t.Fatalf("token submit: %v", err)
	}
	meta, err := c.TokenUpload(context.Background(), "s3cret", "invoice.pdf", strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("token upload: %v", err)
	}
	if meta.UploadsUsed != 1 {
		t.Fatalf("upload metadata decode failed: %+v", meta)
	}
}

func TestDecideProofValidatesDecision(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be issued for an invalid decision")
	}))
	if _, err := c.DecideProof(context.Background(), "pf-1", ProofDecision{Decision: "escalate"}, NewIdempotencyKey()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDecodeErrorDetailEnvelope(t *testing.T) {
	apiErr := decodeError(http.StatusUnprocessableEntity, []byte(`{"detail":"amount must be positive"}`))
	if apiErr.Class != ClassValidation || apiErr.Message != "amount must be positive" {
		t.Fatalf("detail string decode failed: %+v", apiErr)
	}

	apiErr = decodeError(http.StatusUnprocessableEntity, []byte(`{"detail":[{"loc":["amount"],"msg":"must be positive"}]}`))
	if apiErr.Message != "validation failed" || len(apiErr.Details) == 0 {
		t.Fatalf("detail list decode failed: %+v", apiErr)
	}

	apiErr = decodeError(http.StatusBadGateway, []byte("upstream sad"))
	if apiErr.Class != ClassServer || apiErr.Message != "upstream sad" {
		t.Fatalf("fallback decode failed: %+v", apiErr)
	}
}
