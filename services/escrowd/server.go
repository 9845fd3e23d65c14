package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowdesk/client"
	"escrowdesk/core/escrow"
	"escrowdesk/core/viewer"
	"escrowdesk/gateway/auth"
	"escrowdesk/gateway/middleware"
	"escrowdesk/securelink"
	"escrowdesk/views"
	"escrowdesk/watch"
)

const maxRequestBody = 1 << 20

// backendAPI is the slice of the backend client the gateway consumes.
type backendAPI interface {
	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	ListEscrows(ctx context.Context, limit, offset int) (*client.Page[*escrow.Escrow], error)
	EscrowSummary(ctx context.Context, id string) (*client.Summary, error)
	ListMilestones(ctx context.Context, escrowID string) (*client.Page[*escrow.Milestone], error)
	ListProofs(ctx context.Context, escrowID string) (*client.Page[*escrow.Proof], error)
	EscrowAction(ctx context.Context, escrowID, action, idempotencyKey string) (*escrow.Escrow, error)
	DecideProof(ctx context.Context, proofID string, decision client.ProofDecision, idempotencyKey string) (*escrow.Proof, error)
	GetPayment(ctx context.Context, id string) (*escrow.Payment, error)
	ExecutePayment(ctx context.Context, paymentID, idempotencyKey string) (*escrow.Payment, error)
	TokenUpload(ctx context.Context, secret, filename string, content io.Reader) (*client.TokenMetadata, error)
	TokenSubmit(ctx context.Context, secret, message string) (*escrow.Proof, error)
}

// ServerDeps wires the coordination components into the HTTP surface.
type ServerDeps struct {
	Logger     *slog.Logger
	Backend    backendAPI
	BackendFor func(session string) backendAPI
	Store      *Store
	Cache      *views.Cache
	Graph      *views.Graph
	Watcher    *watch.Watcher
	Issuer     *securelink.Issuer
	Verifier   *auth.Verifier
	Obs        *middleware.Observability
	Limiter    *middleware.RateLimiter
	CORS       middleware.CORSConfig
	// WatchCtx outlives individual requests so polling is not cut short when
	// the triggering request returns.
	WatchCtx context.Context
}

// Server is the escrowdesk coordination gateway.
type Server struct {
	logger     *slog.Logger
	backend    backendAPI
	backendFor func(session string) backendAPI
	store      *Store
	cache      *views.Cache
	graph      *views.Graph
	watcher    *watch.Watcher
	issuer     *securelink.Issuer
	verifier   *auth.Verifier
	watchCtx   context.Context
	router     chi.Router
}

// NewServer assembles the router.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	watchCtx := deps.WatchCtx
	if watchCtx == nil {
		watchCtx = context.Background()
	}
	s := &Server{
		logger:     logger,
		backend:    deps.Backend,
		backendFor: deps.BackendFor,
		store:      deps.Store,
		cache:      deps.Cache,
		graph:      deps.Graph,
		watcher:    deps.Watcher,
		issuer:     deps.Issuer,
		verifier:   deps.Verifier,
		watchCtx:   watchCtx,
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(deps.CORS))
	r.Get("/healthz", s.handleHealthz)
	if deps.Obs != nil {
		r.Method(http.MethodGet, "/metrics", deps.Obs.MetricsHandler())
	}

	instrument := func(route string) func(http.Handler) http.Handler {
		if deps.Obs == nil {
			return passthrough
		}
		return deps.Obs.Middleware(route)
	}
	limit := func(route string) func(http.Handler) http.Handler {
		if deps.Limiter == nil {
			return passthrough
		}
		return deps.Limiter.Middleware(route)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.verifier.Middleware)

		pr.With(instrument("reads")).Get("/escrows", s.handleListEscrows)
		pr.With(instrument("reads")).Get("/escrows/{id}", s.handleGetEscrow)
		pr.With(instrument("reads")).Get("/escrows/{id}/summary", s.handleSummary)
		pr.With(instrument("reads")).Get("/escrows/{id}/milestones", s.handleMilestones)
		pr.With(instrument("reads")).Get("/escrows/{id}/proofs", s.handleProofs)
		pr.With(instrument("reads")).Get("/escrows/{id}/links", s.handleListLinks)

		mut := pr.With(instrument("mutations"), limit("mutations"))
		mut.Post("/escrows/{id}/actions/{action}", s.handleEscrowAction)
		mut.Post("/escrows/{id}/refresh", s.handleRefresh)
		mut.Post("/escrows/{id}/links", s.handleIssueLink)
		mut.Post("/links/{tokenID}/revoke", s.handleRevokeLink)
		mut.Post("/proofs/{id}/decision", s.handleDecideProof)
		mut.Post("/payments/{id}/execute", s.handleExecutePayment)
	})

	// The external pathway authenticates with the one-time link secret, not a
	// session token.
	r.Group(func(ext chi.Router) {
		ext.Use(instrument("external"), limit("external"))
		ext.Post("/external/uploads", s.handleExternalUpload)
		ext.Post("/external/submissions", s.handleExternalSubmit)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func passthrough(next http.Handler) http.Handler { return next }

// api resolves the backend client for the request, forwarding the caller's
// session when a per-session factory is configured.
func (s *Server) api(r *http.Request) backendAPI {
	if s.backendFor == nil {
		return s.backend
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	session := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if session == "" {
		return s.backend
	}
	return s.backendFor(session)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	// Only the unfiltered first page is cached; it is the one the
	// invalidation rules cover.
	cacheable := limit == 0 && offset == 0
	key := views.NewKey(views.ViewEscrowList, nil)
	if cacheable {
		if page, ok := cachedAs[*client.Page[*escrow.Escrow]](s.cache, key); ok {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, page)
			return
		}
	}
	page, err := s.api(r).ListEscrows(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cacheable {
		s.cache.Put(key, page)
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := views.EscrowKey(id)
	if esc, ok := cachedAs[*escrow.Escrow](s.cache, key); ok {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, esc)
		return
	}
	esc, err := s.api(r).GetEscrow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Put(key, esc)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	key := summaryKeyFor(principal, id)
	if summary, ok := cachedAs[*client.Summary](s.cache, key); ok {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, summary)
		return
	}
	summary, err := s.api(r).EscrowSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Put(key, summary)
	s.beginWatches(summary)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := views.MilestoneListKey(id)
	if page, ok := cachedAs[*client.Page[*escrow.Milestone]](s.cache, key); ok {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, page)
		return
	}
	page, err := s.api(r).ListMilestones(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Put(key, page)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := views.ProofListKey(id)
	if page, ok := cachedAs[*client.Page[*escrow.Proof]](s.cache, key); ok {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, page)
		return
	}
	page, err := s.api(r).ListProofs(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Put(key, page)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	action := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "action")))

	if s.fastDenied(principal, id, action) {
		writeErrorEnvelope(w, http.StatusForbidden, "action not available to this viewer")
		return
	}

	key, replayed := s.replayIdempotent(w, r, principal.Subject, nil)
	if replayed {
		return
	}
	esc, err := s.api(r).EscrowAction(r.Context(), id, action, key)
	if err != nil {
		s.audit(principal.Subject, "escrow."+strings.ToLower(action), id, errStatus(err))
		s.writeError(w, err)
		return
	}
	s.graph.Invalidate(views.MutationEscrowAction, id)
	s.audit(principal.Subject, "escrow."+strings.ToLower(action), id, http.StatusOK)
	s.respondIdempotent(w, r, principal.Subject, key, http.StatusOK, esc)
}

func (s *Server) handleDecideProof(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	proofID := chi.URLParam(r, "id")

	var decision client.ProofDecision
	body, err := readBody(r)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if err := json.Unmarshal(body, &decision); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "malformed decision payload")
		return
	}
	if err := decision.Validate(); err != nil {
		writeErrorEnvelope(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	key, replayed := s.replayIdempotent(w, r, principal.Subject, body)
	if replayed {
		return
	}
	proof, err := s.api(r).DecideProof(r.Context(), proofID, decision, key)
	if err != nil {
		s.audit(principal.Subject, "proof.decide", proofID, errStatus(err))
		s.writeError(w, err)
		return
	}
	s.graph.Invalidate(views.MutationProofDecide, proof.EscrowID)
	s.audit(principal.Subject, "proof.decide", proofID, http.StatusOK)
	s.respondIdempotent(w, r, principal.Subject, key, http.StatusOK, proof)
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	paymentID := chi.URLParam(r, "id")

	key, replayed := s.replayIdempotent(w, r, principal.Subject, nil)
	if replayed {
		return
	}
	payment, err := s.api(r).ExecutePayment(r.Context(), paymentID, key)
	if err != nil {
		s.audit(principal.Subject, "payment.execute", paymentID, errStatus(err))
		s.writeError(w, err)
		return
	}
	s.graph.Invalidate(views.MutationPaymentExecute, payment.EscrowID)
	// The caller just triggered the execution, so polling is warranted even
	// before the status reaches a tracked value.
	s.beginPaymentWatch(payment, true)
	s.audit(principal.Subject, "payment.execute", paymentID, http.StatusOK)
	s.respondIdempotent(w, r, principal.Subject, key, http.StatusOK, payment)
}

// handleRefresh is the manual-refresh affordance: it bypasses the cache,
// restores freshness for the caller's summary view, and restarts any watch
// that previously timed out.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	summary, err := s.api(r).EscrowSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Put(summaryKeyFor(principal, id), summary)
	s.beginWatches(summary)
	writeJSON(w, http.StatusOK, summary)
}

type issueLinkRequest struct {
	MilestoneIdx     int    `json:"milestone_idx"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
	MaxUploads       int    `json:"max_uploads"`
	IssuedToEmail    string `json:"issued_to_email,omitempty"`
	Note             string `json:"note,omitempty"`
}

func (s *Server) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.fastDenied(principal, id, viewer.ActionIssueLink) {
		writeErrorEnvelope(w, http.StatusForbidden, "link issuance not available to this viewer")
		return
	}

	var req issueLinkRequest
	body, err := readBody(r)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "malformed link request")
		return
	}

	link, err := s.issuer.Issue(r.Context(), securelink.IssueParams{
		EscrowID:         id,
		MilestoneIdx:     req.MilestoneIdx,
		ExpiresInMinutes: req.ExpiresInMinutes,
		MaxUploads:       req.MaxUploads,
		IssuedToEmail:    req.IssuedToEmail,
		Note:             req.Note,
	})
	if err != nil {
		s.audit(principal.Subject, "link.issue", id, errStatus(err))
		s.writeError(w, err)
		return
	}
	s.mirrorToken(link.Metadata)
	s.audit(principal.Subject, "link.issue", link.Metadata.TokenID, http.StatusCreated)
	writeJSON(w, http.StatusCreated, client.TokenIssueResponse{Token: link.Secret, TokenMetadata: link.Metadata})
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var milestoneIdx *int
	if raw := r.URL.Query().Get("milestone_idx"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "milestone_idx must be an integer")
			return
		}
		milestoneIdx = &idx
	}

	tokens, err := s.issuer.List(r.Context(), id, milestoneIdx)
	if err != nil {
		// The local mirror keeps link listing available through backend
		// outages; it may lag the backend.
		if apiErr, ok := client.AsAPIError(err); ok && apiErr.Class == client.ClassTransport {
			records, mirrorErr := s.store.TokensForEscrow(id)
			if mirrorErr == nil {
				w.Header().Set("X-Source", "mirror")
				writeJSON(w, http.StatusOK, tokensFromRecords(records, milestoneIdx))
				return
			}
		}
		s.writeError(w, err)
		return
	}
	for _, meta := range tokens {
		s.mirrorToken(meta)
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRevokeLink(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	tokenID := chi.URLParam(r, "tokenID")

	meta, err := s.issuer.Revoke(r.Context(), tokenID)
	if err != nil {
		s.audit(principal.Subject, "link.revoke", tokenID, errStatus(err))
		s.writeError(w, err)
		return
	}
	s.mirrorToken(*meta)
	s.audit(principal.Subject, "link.revoke", tokenID, http.StatusOK)
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleExternalUpload(w http.ResponseWriter, r *http.Request) {
	secret := bearerToken(r)
	if secret == "" {
		writeErrorEnvelope(w, http.StatusUnauthorized, "link secret required")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "malformed multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()

	meta, err := s.backend.TokenUpload(r.Context(), secret, header.Filename, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.mirrorToken(*meta)
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleExternalSubmit(w http.ResponseWriter, r *http.Request) {
	secret := bearerToken(r)
	if secret == "" {
		writeErrorEnvelope(w, http.StatusUnauthorized, "link secret required")
		return
	}
	var req struct {
		Message string `json:"message,omitempty"`
	}
	body, err := readBody(r)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "malformed submission payload")
			return
		}
	}

	proof, err := s.backend.TokenSubmit(r.Context(), secret, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.graph.Invalidate(views.MutationProofSubmit, proof.EscrowID)
	s.audit("external", "proof.submit", proof.ID, http.StatusCreated)
	writeJSON(w, http.StatusCreated, proof)
}

// fastDenied consults the cached summary's advertised action set. It only ever
// denies: a missing or stale summary defers to the backend, which stays
// authoritative either way.
func (s *Server) fastDenied(principal *auth.Principal, escrowID, action string) bool {
	if principal == nil {
		return true
	}
	summary, ok := cachedAs[*client.Summary](s.cache, summaryKeyFor(principal, escrowID))
	if !ok {
		return false
	}
	return !viewer.CanAction(summary.ViewerContext, action)
}

// beginWatches starts polling for every tracked entity surfaced by a summary.
func (s *Server) beginWatches(summary *client.Summary) {
	if summary == nil || summary.Escrow == nil {
		return
	}
	escrowID := summary.Escrow.ID
	for _, payment := range summary.Payments {
		if escrow.Tracked(escrow.KindPayment, payment.Status) {
			s.beginPaymentWatch(payment, false)
		}
	}
	for _, proof := range summary.Proofs {
		if escrow.Tracked(escrow.KindProof, proof.Status) {
			s.beginProofWatch(escrowID, proof)
		}
	}
	for _, milestone := range summary.Milestones {
		if escrow.Tracked(escrow.KindMilestone, milestone.Status) {
			s.beginMilestoneWatch(escrowID, milestone)
		}
	}
}

func (s *Server) beginPaymentWatch(payment *escrow.Payment, optIn bool) {
	key := watch.Key{Kind: escrow.KindPayment, EntityID: payment.ID, View: views.ViewEscrowSummary}
	escrowID := payment.EscrowID
	paymentID := payment.ID
	last := payment.Status
	refetch := func(ctx context.Context) (string, error) {
		latest, err := s.backend.GetPayment(ctx, paymentID)
		if err != nil {
			return "", err
		}
		if latest.Status != last {
			last = latest.Status
			s.graph.Invalidate(views.MutationPaymentExecute, escrowID)
		}
		return latest.Status, nil
	}
	if _, err := s.watcher.Begin(s.watchCtx, key, payment.Status, optIn, refetch); err != nil {
		s.logger.Warn("payment watch not started", "payment", paymentID, "err", err)
	}
}

func (s *Server) beginProofWatch(escrowID string, proof *escrow.Proof) {
	key := watch.Key{Kind: escrow.KindProof, EntityID: proof.ID, View: views.ViewEscrowSummary}
	proofID := proof.ID
	last := proof.Status
	refetch := func(ctx context.Context) (string, error) {
		page, err := s.backend.ListProofs(ctx, escrowID)
		if err != nil {
			return "", err
		}
		for _, latest := range page.Items {
			if latest.ID != proofID {
				continue
			}
			if latest.Status != last {
				last = latest.Status
				s.graph.Invalidate(views.MutationProofDecide, escrowID)
			}
			return latest.Status, nil
		}
		return last, nil
	}
	if _, err := s.watcher.Begin(s.watchCtx, key, proof.Status, false, refetch); err != nil {
		s.logger.Warn("proof watch not started", "proof", proofID, "err", err)
	}
}

func (s *Server) beginMilestoneWatch(escrowID string, milestone *escrow.Milestone) {
	key := watch.Key{Kind: escrow.KindMilestone, EntityID: milestone.ID, View: views.ViewEscrowSummary}
	milestoneID := milestone.ID
	last := milestone.Status
	refetch := func(ctx context.Context) (string, error) {
		page, err := s.backend.ListMilestones(ctx, escrowID)
		if err != nil {
			return "", err
		}
		for _, latest := range page.Items {
			if latest.ID != milestoneID {
				continue
			}
			if latest.Status != last {
				last = latest.Status
				s.graph.Invalidate(views.MutationPaymentExecute, escrowID)
			}
			return latest.Status, nil
		}
		return last, nil
	}
	if _, err := s.watcher.Begin(s.watchCtx, key, milestone.Status, false, refetch); err != nil {
		s.logger.Warn("milestone watch not started", "milestone", milestoneID, "err", err)
	}
}

// replayIdempotent checks a client-supplied Idempotency-Key against the store.
// It reports true when it already wrote a response (a replay or a 409
// mismatch). The returned key is minted when the client supplied none, so the
// backend call is always retry-safe.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, subject string, body []byte) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return client.NewIdempotencyKey(), false
	}
	hash := requestHash(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(subject, key, hash)
	if errors.Is(err, ErrIdempotencyMismatch) {
		writeErrorEnvelope(w, http.StatusConflict, "idempotency key reused with a different request")
		return key, true
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", "err", err)
		return key, false
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return key, true
	}
	return key, false
}

// respondIdempotent writes the response and, when the client supplied the key,
// caches it for replay.
func (s *Server) respondIdempotent(w http.ResponseWriter, r *http.Request, subject, key string, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if supplied := strings.TrimSpace(r.Header.Get("Idempotency-Key")); supplied != "" {
		body, _ := bodyFromContext(r)
		hash := requestHash(r.Method, r.URL.Path, body)
		if err := s.store.SaveIdempotency(subject, supplied, r.Method, r.URL.Path, hash, status, payload); err != nil {
			s.logger.Error("idempotency save failed", "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) mirrorToken(meta client.TokenMetadata) {
	if err := s.store.UpsertToken(meta); err != nil {
		s.logger.Error("token mirror update failed", "token", meta.TokenID, "err", err)
	}
}

func (s *Server) audit(subject, action, entityID string, status int) {
	if err := s.store.RecordAudit(subject, action, entityID, status); err != nil {
		s.logger.Error("audit write failed", "action", action, "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, securelink.ErrExpiryOutOfRange), errors.Is(err, securelink.ErrUploadBudget):
		writeErrorEnvelope(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, ErrIdempotencyMismatch):
		writeErrorEnvelope(w, http.StatusConflict, err.Error())
		return
	}
	if apiErr, ok := client.AsAPIError(err); ok {
		status := apiErr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		s.logger.Warn("backend request failed", "class", string(apiErr.Class), "status", status, "msg", apiErr.Message)
		writeErrorEnvelope(w, status, apiErr.Message)
		return
	}
	s.logger.Error("request failed", "err", err)
	writeErrorEnvelope(w, http.StatusInternalServerError, "internal error")
}

func errStatus(err error) int {
	if apiErr, ok := client.AsAPIError(err); ok && apiErr.Status != 0 {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// flavorFor maps the caller's relation to the summary cache flavor: operators
// see the admin rendering, everyone else the sender rendering.
func flavorFor(principal *auth.Principal) string {
	if principal != nil && principal.Relation == viewer.RelationOps {
		return views.FlavorAdmin
	}
	return views.FlavorSender
}

// summaryKeyFor scopes the summary cache to the concrete caller. The summary
// embeds the caller's viewer context, which is recomputed per fetch and must
// never be served to a different principal.
func summaryKeyFor(principal *auth.Principal, escrowID string) views.Key {
	subject := ""
	if principal != nil {
		subject = principal.Subject
	}
	return views.ViewerSummaryKey(escrowID, flavorFor(principal), subject)
}

func cachedAs[T any](cache *views.Cache, key views.Key) (T, bool) {
	var zero T
	data, ok, fresh := cache.Get(key)
	if !ok || !fresh {
		return zero, false
	}
	typed, ok := data.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

func tokensFromRecords(records []TokenRecord, milestoneIdx *int) []client.TokenMetadata {
	out := make([]client.TokenMetadata, 0, len(records))
	for _, record := range records {
		if milestoneIdx != nil && record.MilestoneIdx != *milestoneIdx {
			continue
		}
		out = append(out, client.TokenMetadata{
			TokenID:     record.TokenID,
			Status:      record.Status,
			Target:      client.TokenTarget{EscrowID: record.EscrowID, MilestoneIdx: record.MilestoneIdx},
			ExpiresAt:   record.ExpiresAt,
			MaxUploads:  record.MaxUploads,
			UploadsUsed: record.UploadsUsed,
			Note:        record.Note,
			IssuedTo:    record.IssuedTo,
		})
	}
	return out
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

type bodyContextKey struct{}

// readBody drains and caches the request body so idempotency hashing and
// decoding both see the same bytes.
func readBody(r *http.Request) ([]byte, error) {
	if body, ok := bodyFromContext(r); ok {
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	*r = *r.WithContext(context.WithValue(r.Context(), bodyContextKey{}, body))
	return body, nil
}

func bodyFromContext(r *http.Request) ([]byte, bool) {
	body, ok := r.Context().Value(bodyContextKey{}).([]byte)
	return body, ok
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": message}})
}
