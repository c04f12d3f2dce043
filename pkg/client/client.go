package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors matched by *APIError through errors.Is.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidNonce      = errors.New("invalid nonce")
	ErrInvalidBatchSize  = errors.New("invalid batch size")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrAlreadySettled    = errors.New("already settled")
	ErrAlreadyProcessed  = errors.New("intent already processed")
	ErrNotFound          = errors.New("not found")
	ErrCounterOverflow   = errors.New("counter overflow")
	ErrCounterUnderflow  = errors.New("counter underflow")
	ErrCursorExpired     = errors.New("event cursor expired")
	ErrRateLimited       = errors.New("rate limited")
	ErrServerUnavailable = errors.New("server error")
)

var codeErrors = map[string]error{
	"not_authorized":           ErrNotAuthorized,
	"invalid_nonce":            ErrInvalidNonce,
	"invalid_batch_size":       ErrInvalidBatchSize,
	"invalid_identity":         ErrInvalidIdentity,
	"already_settled":          ErrAlreadySettled,
	"intent_already_processed": ErrAlreadyProcessed,
	"not_found":                ErrNotFound,
	"overflow":                 ErrCounterOverflow,
	"underflow":                ErrCounterUnderflow,
	"cursor_expired":           ErrCursorExpired,
}

// APIError is a non-2xx response from settlementd.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("settlementd %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("settlementd %d: %s", e.StatusCode, e.Message)
}

// Is matches the sentinel for the error code, falling back to the status.
func (e *APIError) Is(target error) bool {
	if sentinel, ok := codeErrors[e.Code]; ok {
		return sentinel == target
	}
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return target == ErrUnauthenticated
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	}
	return e.StatusCode >= 500 && target == ErrServerUnavailable
}

// Branch is a speculative branch record.
type Branch struct {
	Account       string `json:"account"`
	Nonce         uint64 `json:"nonce"`
	PayloadDigest string `json:"payload_digest"`
	State         string `json:"state"`
	CreatedAt     uint64 `json:"created_at"`
	SettledAt     uint64 `json:"settled_at,omitempty"`
}

// Collapse is the outcome of a settlement.
type Collapse struct {
	Account     string   `json:"account"`
	ChosenNonce uint64   `json:"chosen_nonce"`
	Discarded   []uint64 `json:"discarded"`
	SettledAt   uint64   `json:"settled_at"`
}

// Account is the nonce index of one account.
type Account struct {
	Account          string   `json:"account"`
	LastSettledNonce uint64   `json:"last_settled_nonce"`
	HasPending       bool     `json:"has_pending"`
	PendingNonces    []uint64 `json:"pending_nonces"`
}

// Intent is an intent ledger record.
type Intent struct {
	ID          string `json:"id"`
	Submitter   string `json:"submitter"`
	Payload     []byte `json:"payload"`
	SubmittedAt uint64 `json:"submitted_at"`
	AsyncNonce  uint64 `json:"async_nonce"`
	Executed    bool   `json:"executed"`
	Cancelled   bool   `json:"cancelled"`
	Volume      uint64 `json:"volume,omitempty"`
	ClosedAt    uint64 `json:"closed_at,omitempty"`
}

// Metrics are the intent ledger aggregates.
type Metrics struct {
	TotalVolume uint64 `json:"total_volume"`
	TotalCount  uint64 `json:"total_count"`
}

// BatchResult summarises a batch execution.
type BatchResult struct {
	Count       uint64 `json:"count"`
	TotalVolume uint64 `json:"total_volume"`
	ExecutedAt  uint64 `json:"executed_at"`
}

// JournalStatus is the audit journal overview and integrity result.
type JournalStatus struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// EventRecord is one entry of the event log. Payload is kept raw because its
// shape depends on Kind.
type EventRecord struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Client talks to one settlementd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	devCaller   string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a caller token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithDevCaller names the caller for servers running without token auth.
func WithDevCaller(address string) Option {
	return func(c *Client) error {
		c.devCaller = address
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CreateBranch registers a pending branch for account at nonce.
func (c *Client) CreateBranch(ctx context.Context, account string, nonce uint64, payloadDigest string) (*Branch, error) {
	var out Branch
	err := c.call(ctx, http.MethodPost, "/api/v1/branches", map[string]any{
		"account":        account,
		"nonce":          nonce,
		"payload_digest": payloadDigest,
	}, &out)
	return &out, err
}

// Settle collapses account onto nonce.
func (c *Client) Settle(ctx context.Context, account string, nonce uint64) (*Collapse, error) {
	var out Collapse
	err := c.call(ctx, http.MethodPost, "/api/v1/branches/settle", map[string]any{
		"account": account,
		"nonce":   nonce,
	}, &out)
	return &out, err
}

// BatchSettle settles every (accounts[i], nonces[i]) pair atomically.
func (c *Client) BatchSettle(ctx context.Context, accounts []string, nonces []uint64) ([]Collapse, error) {
	var out struct {
		Collapses []Collapse `json:"collapses"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/branches/settle/batch", map[string]any{
		"accounts": accounts,
		"nonces":   nonces,
	}, &out)
	return out.Collapses, err
}

// GetAccount returns the nonce index of account.
func (c *Client) GetAccount(ctx context.Context, account string) (*Account, error) {
	var out Account
	err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(account), nil, &out)
	return &out, err
}

// GetBranch returns the branch at (account, nonce).
func (c *Client) GetBranch(ctx context.Context, account string, nonce uint64) (*Branch, error) {
	var out Branch
	path := "/api/v1/accounts/" + url.PathEscape(account) + "/branches/" + strconv.FormatUint(nonce, 10)
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return &out, err
}

// SetAuthorizedCaller adds or removes caller from the allow-list.
func (c *Client) SetAuthorizedCaller(ctx context.Context, caller string, authorized bool) error {
	return c.call(ctx, http.MethodPut, "/api/v1/admin/authorized-callers/"+url.PathEscape(caller),
		map[string]any{"authorized": authorized}, nil)
}

// SubmitIntent submits payload under nonce as the token's identity and
// returns the intent id as 0x-prefixed hex.
func (c *Client) SubmitIntent(ctx context.Context, payload []byte, nonce uint64) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/intents", map[string]any{
		"payload": payload,
		"nonce":   nonce,
	}, &out)
	return out.ID, err
}

// GetIntent returns the intent with the given id. Only its submitter and the
// executor may read it.
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var out Intent
	err := c.call(ctx, http.MethodGet, "/api/v1/intents/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// ExecuteIntent marks the intent executed with volume.
func (c *Client) ExecuteIntent(ctx context.Context, id string, volume uint64) (*Intent, error) {
	var out Intent
	err := c.call(ctx, http.MethodPost, "/api/v1/intents/"+url.PathEscape(id)+"/execute",
		map[string]any{"volume": volume}, &out)
	return &out, err
}

// CancelIntent marks the intent cancelled.
func (c *Client) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	var out Intent
	err := c.call(ctx, http.MethodPost, "/api/v1/intents/"+url.PathEscape(id)+"/cancel", nil, &out)
	return &out, err
}

// BatchExecute executes every (ids[i], volumes[i]) pair atomically.
func (c *Client) BatchExecute(ctx context.Context, ids []string, volumes []uint64) (*BatchResult, error) {
	var out BatchResult
	err := c.call(ctx, http.MethodPost, "/api/v1/executions/batch", map[string]any{
		"ids":     ids,
		"volumes": volumes,
	}, &out)
	return &out, err
}

// AggregateMetrics returns total executed volume and count.
func (c *Client) AggregateMetrics(ctx context.Context) (*Metrics, error) {
	var out Metrics
	err := c.call(ctx, http.MethodGet, "/api/v1/metrics/aggregate", nil, &out)
	return &out, err
}

// VerifyJournal returns the journal overview together with an integrity check.
func (c *Client) VerifyJournal(ctx context.Context) (*JournalStatus, error) {
	var out JournalStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/journal", nil, &out); err != nil {
		return nil, err
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/journal/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns up to limit records after the cursor, and the next cursor.
// A cursor older than the server's retained window fails with ErrCursorExpired.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]EventRecord, uint64, error) {
	var out struct {
		Records []EventRecord `json:"records"`
		Next    uint64        `json:"next"`
	}
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &out)
	return out.Records, out.Next, err
}

// call sends body as JSON and decodes a 2xx response into out (if non-nil).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.devCaller != "" {
		req.Header.Set("X-Settlement-Caller", c.devCaller)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errBody struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error != "" {
			apiErr.Message = errBody.Error
			apiErr.Code = errBody.Code
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
