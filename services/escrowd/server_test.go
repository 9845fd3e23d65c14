package main

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowdesk/client"
	"escrowdesk/core/escrow"
	"escrowdesk/core/viewer"
	"escrowdesk/gateway/auth"
	"escrowdesk/securelink"
	"escrowdesk/views"
	"escrowdesk/watch"
)

const serverTestSecret = "fedcba9876543210fedcba9876543210"

type fakeBackend struct {
	mu            sync.Mutex
	summary       *client.Summary
	summaryCalls  int
	actionCalls   int
	executeCalls  int
	issueCalls    int
	listTokensErr error
	tokens        []client.TokenMetadata
}

func (f *fakeBackend) GetEscrow(_ context.Context, id string) (*escrow.Escrow, error) {
	return &escrow.Escrow{ID: id, Status: escrow.EscrowStatusFunded}, nil
}

func (f *fakeBackend) ListEscrows(context.Context, int, int) (*client.Page[*escrow.Escrow], error) {
	return &client.Page[*escrow.Escrow]{}, nil
}

func (f *fakeBackend) EscrowSummary(_ context.Context, id string) (*client.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryCalls++
	return f.summary, nil
}

func (f *fakeBackend) ListMilestones(context.Context, string) (*client.Page[*escrow.Milestone], error) {
	return &client.Page[*escrow.Milestone]{}, nil
}

func (f *fakeBackend) ListProofs(context.Context, string) (*client.Page[*escrow.Proof], error) {
	return &client.Page[*escrow.Proof]{}, nil
}

func (f *fakeBackend) EscrowAction(_ context.Context, escrowID, action, _ string) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionCalls++
	return &escrow.Escrow{ID: escrowID, Status: escrow.EscrowStatusFunded}, nil
}

func (f *fakeBackend) DecideProof(_ context.Context, proofID string, _ client.ProofDecision, _ string) (*escrow.Proof, error) {
	return &escrow.Proof{ID: proofID, EscrowID: "esc-1", Status: escrow.ProofStatusApproved}, nil
}

func (f *fakeBackend) GetPayment(_ context.Context, id string) (*escrow.Payment, error) {
	return &escrow.Payment{ID: id, EscrowID: "esc-1", Status: escrow.PaymentStatusSettled}, nil
}

func (f *fakeBackend) ExecutePayment(_ context.Context, paymentID, _ string) (*escrow.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeCalls++
	return &escrow.Payment{ID: paymentID, EscrowID: "esc-1", Status: escrow.PaymentStatusSettled}, nil
}

func (f *fakeBackend) TokenUpload(_ context.Context, _, _ string, _ io.Reader) (*client.TokenMetadata, error) {
	return &client.TokenMetadata{TokenID: "tok-up", Status: escrow.TokenStatusActive}, nil
}

func (f *fakeBackend) TokenSubmit(context.Context, string, string) (*escrow.Proof, error) {
	return &escrow.Proof{ID: "proof-ext", EscrowID: "esc-1", Status: escrow.ProofStatusPending}, nil
}

func (f *fakeBackend) IssueToken(_ context.Context, req client.TokenIssueRequest, _ string) (*client.TokenIssueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	return &client.TokenIssueResponse{
		Token: "secret-once",
		TokenMetadata: client.TokenMetadata{
			TokenID:    "tok-1",
			Status:     escrow.TokenStatusActive,
			Target:     client.TokenTarget{EscrowID: req.EscrowID, MilestoneIdx: req.MilestoneIdx},
			ExpiresAt:  time.Now().Add(time.Hour),
			MaxUploads: req.MaxUploads,
		},
	}, nil
}

func (f *fakeBackend) ListTokens(context.Context, string, *int) ([]client.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listTokensErr != nil {
		return nil, f.listTokensErr
	}
	return f.tokens, nil
}

func (f *fakeBackend) RevokeToken(_ context.Context, tokenID, _ string) (*client.TokenMetadata, error) {
	return &client.TokenMetadata{TokenID: tokenID, Status: escrow.TokenStatusRevoked}, nil
}

func (f *fakeBackend) counts() (summary, action, execute int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls, f.actionCalls, f.executeCalls
}

func summaryFixture(escrowID string, relation viewer.Relation, actions ...string) *client.Summary {
	return &client.Summary{
		Escrow: &escrow.Escrow{
			ID:          escrowID,
			Status:      escrow.EscrowStatusFunded,
			Amount:      big.NewInt(1000),
			Currency:    "USD",
			PaymentMode: escrow.PaymentModeMilestone,
			ProviderID:  "prov-1",
		},
		ViewerContext: viewer.NewContext(relation, actions),
	}
}

type testEnv struct {
	server  *Server
	backend *fakeBackend
	store   *Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := &fakeBackend{summary: summaryFixture("esc-1", viewer.RelationSender, viewer.ActionViewSummary, viewer.ActionFund)}
	store := newTestStore(t)
	verifier, err := auth.NewVerifier([]byte(serverTestSecret), "", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	cache := views.NewCache()
	server := NewServer(ServerDeps{
		Backend:  backend,
		Store:    store,
		Cache:    cache,
		Graph:    views.NewGraph(cache),
		Watcher:  watch.NewWatcher(watch.Config{}),
		Issuer:   securelink.NewIssuer(backend),
		Verifier: verifier,
	})
	return &testEnv{server: server, backend: backend, store: store}
}

func sessionToken(t *testing.T, subject, relation string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      subject,
		"relation": relation,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(serverTestSecret))
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return signed
}

func (e *testEnv) request(t *testing.T, method, path, token, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestSummaryServedFromCachePerFlavor(t *testing.T) {
	env := newTestEnv(t)
	sender := sessionToken(t, "user-1", "sender")

	rec := env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first fetch: %d %s", rec.Code, rec.Body)
	}
	rec = env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "hit" {
		t.Fatalf("second fetch must hit the cache: %d %q", rec.Code, rec.Header().Get("X-Cache"))
	}
	if calls, _, _ := env.backend.counts(); calls != 1 {
		t.Fatalf("expected 1 backend summary call, got %d", calls)
	}

	// Operators render from the admin flavor, which is cached separately.
	ops := sessionToken(t, "ops-1", "ops")
	rec = env.request(t, http.MethodGet, "/escrows/esc-1/summary", ops, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") == "hit" {
		t.Fatalf("ops fetch must miss the sender-flavor cache")
	}
	if calls, _, _ := env.backend.counts(); calls != 2 {
		t.Fatalf("expected 2 backend summary calls, got %d", calls)
	}
}

func TestSummaryNeverSharedAcrossPrincipals(t *testing.T) {
	env := newTestEnv(t)
	env.backend.summary = summaryFixture("esc-1", viewer.RelationSender,
		viewer.ActionViewSummary, viewer.ActionClientApprove)
	sender := sessionToken(t, "user-1", "sender")

	rec := env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sender fetch: %d %s", rec.Code, rec.Body)
	}

	// A different principal with the same flavor must refetch: the cached
	// summary embeds the sender's viewer context.
	env.backend.summary = summaryFixture("esc-1", viewer.RelationProvider, viewer.ActionViewSummary)
	provider := sessionToken(t, "prov-9", "provider")
	rec = env.request(t, http.MethodGet, "/escrows/esc-1/summary", provider, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") == "hit" {
		t.Fatalf("another principal must not hit the cache: %d %q", rec.Code, rec.Header().Get("X-Cache"))
	}
	if strings.Contains(rec.Body.String(), viewer.ActionClientApprove) {
		t.Fatalf("sender's advertised actions leaked to the provider: %s", rec.Body)
	}
	if !strings.Contains(rec.Body.String(), string(viewer.RelationProvider)) {
		t.Fatalf("provider must receive their own viewer context: %s", rec.Body)
	}
	if calls, _, _ := env.backend.counts(); calls != 2 {
		t.Fatalf("expected a backend fetch per principal, got %d", calls)
	}
}

func TestEscrowActionInvalidatesSummary(t *testing.T) {
	env := newTestEnv(t)
	sender := sessionToken(t, "user-1", "sender")

	env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)

	rec := env.request(t, http.MethodPost, "/escrows/esc-1/actions/fund", sender, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("action: %d %s", rec.Code, rec.Body)
	}

	rec = env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)
	if rec.Header().Get("X-Cache") == "hit" {
		t.Fatalf("summary must be stale after a mutation")
	}
	if calls, _, _ := env.backend.counts(); calls != 2 {
		t.Fatalf("expected refetch after invalidation, got %d summary calls", calls)
	}
}

func TestActionDeniedByAdvertisedSet(t *testing.T) {
	env := newTestEnv(t)
	env.backend.summary = summaryFixture("esc-1", viewer.RelationProvider, viewer.ActionViewSummary)
	provider := sessionToken(t, "prov-1", "provider")

	env.request(t, http.MethodGet, "/escrows/esc-1/summary", provider, "", nil)

	rec := env.request(t, http.MethodPost, "/escrows/esc-1/actions/client_approve", provider, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 fast path, got %d", rec.Code)
	}
	if _, actions, _ := env.backend.counts(); actions != 0 {
		t.Fatalf("denied action must never reach the backend")
	}
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ops := sessionToken(t, "ops-1", "ops")
	header := map[string]string{"Idempotency-Key": "replay-key-1"}

	rec := env.request(t, http.MethodPost, "/payments/p1/execute", ops, "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("first execute: %d %s", rec.Code, rec.Body)
	}
	first := rec.Body.String()

	rec = env.request(t, http.MethodPost, "/payments/p1/execute", ops, "", header)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("second execute must replay: %d %q", rec.Code, rec.Header().Get("X-Idempotent-Replay"))
	}
	if rec.Body.String() != first {
		t.Fatalf("replay must return the original response")
	}
	if _, _, executes := env.backend.counts(); executes != 1 {
		t.Fatalf("expected 1 backend execute, got %d", executes)
	}

	// Reusing the key for a different request is a conflict.
	rec = env.request(t, http.MethodPost, "/payments/p2/execute", ops, "", header)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on key reuse, got %d", rec.Code)
	}

	// Another subject using the same key starts fresh and must not disturb
	// the first subject's replay.
	other := sessionToken(t, "ops-2", "ops")
	rec = env.request(t, http.MethodPost, "/payments/p9/execute", other, "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("second subject with the same key: %d %s", rec.Code, rec.Body)
	}
	rec = env.request(t, http.MethodPost, "/payments/p1/execute", ops, "", header)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("first subject's replay must survive: %d %q", rec.Code, rec.Header().Get("X-Idempotent-Replay"))
	}
	if rec.Body.String() != first {
		t.Fatalf("first subject's cached response changed")
	}
}

func TestExternalSubmitInvalidatesViews(t *testing.T) {
	env := newTestEnv(t)
	sender := sessionToken(t, "user-1", "sender")

	env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)

	rec := env.request(t, http.MethodPost, "/external/submissions", "link-secret", `{"message":"done"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}

	rec = env.request(t, http.MethodGet, "/escrows/esc-1/summary", sender, "", nil)
	if rec.Header().Get("X-Cache") == "hit" {
		t.Fatalf("summary must be stale after an external submission")
	}
}

func TestExternalSubmitRequiresSecret(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodPost, "/external/submissions", "", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without link secret, got %d", rec.Code)
	}
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/escrows/esc-1/summary", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
}

func TestIssueLinkValidatedLocally(t *testing.T) {
	env := newTestEnv(t)
	ops := sessionToken(t, "ops-1", "ops")

	rec := env.request(t, http.MethodPost, "/escrows/esc-1/links", ops,
		`{"milestone_idx":1,"expires_in_minutes":5,"max_uploads":1}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range expiry, got %d %s", rec.Code, rec.Body)
	}
	if env.backend.issueCalls != 0 {
		t.Fatalf("invalid issuance must not reach the backend")
	}

	rec = env.request(t, http.MethodPost, "/escrows/esc-1/links", ops,
		`{"milestone_idx":1,"expires_in_minutes":60,"max_uploads":2}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "secret-once") {
		t.Fatalf("issuance response must carry the one-time secret")
	}

	// The mirror now knows the token.
	records, err := env.store.TokensForEscrow("esc-1")
	if err != nil || len(records) != 1 {
		t.Fatalf("token mirror not updated: %v %d", err, len(records))
	}
}

func TestLinkListFallsBackToMirror(t *testing.T) {
	env := newTestEnv(t)
	env.backend.listTokensErr = &client.APIError{Class: client.ClassTransport, Message: "connection refused"}
	if err := env.store.UpsertToken(client.TokenMetadata{
		TokenID: "tok-m", Status: escrow.TokenStatusActive,
		Target: client.TokenTarget{EscrowID: "esc-1", MilestoneIdx: 1},
	}); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	ops := sessionToken(t, "ops-1", "ops")
	rec := env.request(t, http.MethodGet, "/escrows/esc-1/links", ops, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Source") != "mirror" {
		t.Fatalf("expected mirror fallback, got %d %q", rec.Code, rec.Header().Get("X-Source"))
	}
	if !strings.Contains(rec.Body.String(), "tok-m") {
		t.Fatalf("mirror response missing token: %s", rec.Body)
	}
}
