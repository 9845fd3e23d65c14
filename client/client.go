// Package client implements the REST contract of the escrow backend. The
// backend is authoritative for all state; this client adds the classified
// error taxonomy, bounded retry with exponential backoff, and stable
// idempotency keys the coordination layer depends on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"escrowdesk/core/escrow"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	defaultMaxRetries    = 3
	defaultRetryBase     = 250 * time.Millisecond
	defaultTimeout       = 15 * time.Second
)

// SessionSource supplies the caller's session bearer token per request.
type SessionSource func() string

// Config captures construction options for the backend client.
type Config struct {
	BaseURL    string
	Session    SessionSource
	HTTPClient *http.Client
	MaxRetries int
	RetryBase  time.Duration
	Limiter    *rate.Limiter
}

// Client talks to the escrow backend.
type Client struct {
	baseURL    string
	session    SessionSource
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	limiter    *rate.Limiter
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs a backend client. The base URL is required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base URL required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &Client{
		baseURL:    base,
		session:    cfg.Session,
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		limiter:    cfg.Limiter,
		tracer:     otel.Tracer("escrowdesk/client"),
		sleep:      sleepContext,
	}, nil
}

// NewIdempotencyKey mints a key for one logical mutation attempt. The same key
// must be reused across automatic retries and regenerated only for a genuinely
// new user-initiated attempt.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

type callOptions struct {
	idempotencyKey string
	bearerSecret   string
	contentType    string
	rawBody        []byte
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, opts callOptions) error {
	var payload []byte
	switch {
	case opts.rawBody != nil:
		payload = opts.rawBody
	case body != nil:
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		payload = encoded
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, span := c.tracer.Start(ctx, "backend."+method+" "+path, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	))
	defer span.End()

	// Retries are only safe for reads and for mutations pinned to a stable
	// idempotency key.
	retryable := method == http.MethodGet || opts.idempotencyKey != ""

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase << (attempt - 1)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.doOnce(ctx, method, target, payload, out, opts)
		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			return nil
		}
		lastErr = err
		apiErr, ok := AsAPIError(err)
		if !ok || !apiErr.Retryable() || !retryable {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, target string, payload []byte, out any, opts callOptions) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	contentType := opts.contentType
	if contentType == "" && payload != nil {
		contentType = "application/json"
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// The proof-token secret travels only in the authorization header. It is
	// never placed in the URL so it cannot leak through logs or link sharing.
	switch {
	case opts.bearerSecret != "":
		req.Header.Set("Authorization", "Bearer "+opts.bearerSecret)
	case c.session != nil:
		if token := strings.TrimSpace(c.session()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if opts.idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, opts.idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Class: ClassTransport, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &APIError{Class: ClassTransport, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// GetEscrow fetches a single escrow by id.
func (c *Client) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var out escrow.Escrow
	if err := c.do(ctx, http.MethodGet, "/escrows/"+url.PathEscape(id), nil, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEscrows fetches the global escrow list page.
func (c *Client) ListEscrows(ctx context.Context, limit, offset int) (*Page[*escrow.Escrow], error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	var out Page[*escrow.Escrow]
	if err := c.do(ctx, http.MethodGet, "/escrows", query, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// EscrowSummary fetches the aggregate summary for one escrow, including the
// caller's viewer context.
func (c *Client) EscrowSummary(ctx context.Context, id string) (*Summary, error) {
	var out Summary
	if err := c.do(ctx, http.MethodGet, "/escrows/"+url.PathEscape(id)+"/summary", nil, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMilestones fetches the milestone list for an escrow.
func (c *Client) ListMilestones(ctx context.Context, escrowID string) (*Page[*escrow.Milestone], error) {
	var out Page[*escrow.Milestone]
	if err := c.do(ctx, http.MethodGet, "/escrows/"+url.PathEscape(escrowID)+"/milestones", nil, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProofs fetches the proof list for an escrow.
func (c *Client) ListProofs(ctx context.Context, escrowID string) (*Page[*escrow.Proof], error) {
	var out Page[*escrow.Proof]
	if err := c.do(ctx, http.MethodGet, "/escrows/"+url.PathEscape(escrowID)+"/proofs", nil, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// EscrowAction performs an escrow-level mutation (fund, mark-delivered,
// approve, reject, deadline-check). The idempotency key must stay stable
// across retries of the same logical attempt.
func (c *Client) EscrowAction(ctx context.Context, escrowID, action, idempotencyKey string) (*escrow.Escrow, error) {
	if strings.TrimSpace(action) == "" {
		return nil, errors.New("client: action required")
	}
	var out escrow.Escrow
	path := "/escrows/" + url.PathEscape(escrowID) + "/actions/" + url.PathEscape(strings.ToLower(action))
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out, callOptions{idempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecideProof submits an approve/reject decision and returns the updated proof.
func (c *Client) DecideProof(ctx context.Context, proofID string, decision ProofDecision, idempotencyKey string) (*escrow.Proof, error) {
	if err := decision.Validate(); err != nil {
		return nil, err
	}
	var out escrow.Proof
	path := "/proofs/" + url.PathEscape(proofID) + "/decision"
	if err := c.do(ctx, http.MethodPost, path, nil, decision, &out, callOptions{idempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment fetches a payment by id.
func (c *Client) GetPayment(ctx context.Context, id string) (*escrow.Payment, error) {
	var out escrow.Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), nil, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecutePayment asks the backend to execute a pending payment.
func (c *Client) ExecutePayment(ctx context.Context, paymentID, idempotencyKey string) (*escrow.Payment, error) {
	var out escrow.Payment
	path := "/payments/" + url.PathEscape(paymentID) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out, callOptions{idempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueToken creates an external proof token. The response carries the secret
// exactly once.
func (c *Client) IssueToken(ctx context.Context, req TokenIssueRequest, idempotencyKey string) (*TokenIssueResponse, error) {
	var out TokenIssueResponse
	if err := c.do(ctx, http.MethodPost, "/external/tokens", nil, req, &out, callOptions{idempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTokens fetches token metadata for an escrow, optionally narrowed to one
// milestone index.
func (c *Client) ListTokens(ctx context.Context, escrowID string, milestoneIdx *int) ([]TokenMetadata, error) {
	query := url.Values{"escrow_id": []string{escrowID}}
	if milestoneIdx != nil {
		query.Set("milestone_idx", strconv.Itoa(*milestoneIdx))
	}
	var out Page[TokenMetadata]
	if err := c.do(ctx, http.MethodGet, "/external/tokens", query, nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// RevokeToken revokes a token. Revoking an already-terminal token is a no-op
// success on the backend and returns the unchanged metadata.
func (c *Client) RevokeToken(ctx context.Context, tokenID, idempotencyKey string) (*TokenMetadata, error) {
	var out TokenMetadata
	path := "/external/tokens/" + url.PathEscape(tokenID) + "/revoke"
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out, callOptions{idempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenUpload uploads one proof file through the token-scoped pathway. The
// secret is carried only in the authorization header.
func (c *Client) TokenUpload(ctx context.Context, secret, filename string, content io.Reader) (*TokenMetadata, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("client: build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("client: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("client: build upload: %w", err)
	}
	var out TokenMetadata
	opts := callOptions{bearerSecret: secret, contentType: writer.FormDataContentType(), rawBody: buf.Bytes()}
	if err := c.do(ctx, http.MethodPost, "/external/uploads", nil, nil, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenSubmit finalises the external submission, creating the proof.
func (c *Client) TokenSubmit(ctx context.Context, secret, message string) (*escrow.Proof, error) {
	body := map[string]string{}
	if strings.TrimSpace(message) != "" {
		body["message"] = message
	}
	var out escrow.Proof
	opts := callOptions{bearerSecret: secret}
	if err := c.do(ctx, http.MethodPost, "/external/submissions", nil, body, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
