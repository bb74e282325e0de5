package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/proofvault/engine/pkg/config"
)

const (
	endpointSubmit     = "submit"
	endpointGetStatus  = "get_status"
	jitterCeilingMs    = 500
	retryBaseBackoffMs = 1000
	// rateLimitBackoffMultiplier gives RATE_LIMITED failures extra backoff
	// on top of the standard exponential schedule, per the ledger's own
	// signal that it wants callers to slow down.
	rateLimitBackoffMultiplier = 3
)

// Client submits attestations to the commitment ledger and polls their
// status, with categorized failure handling, retry+backoff+jitter on
// submit, and a circuit breaker per logical endpoint.
type Client struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	orgID       string
	tenantID    string
	maxAttempts int
	breakers    *breakerRegistry
	logger      *log.Logger
}

// NewClient builds a ledger client from configuration, mirroring the
// teacher's header-injection convention in pkg/ethereum/client.go.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		http:        &http.Client{Timeout: config.DeadlineDuration(cfg.LedgerSubmitDeadlineMs)},
		baseURL:     cfg.LedgerBaseURL,
		apiKey:      cfg.LedgerAPIKey,
		orgID:       cfg.LedgerOrgID,
		tenantID:    cfg.LedgerTenantID,
		maxAttempts: cfg.LedgerMaxAttempts,
		breakers:    newBreakerRegistry(cfg.LedgerCircuitThreshold, cfg.LedgerCircuitOpenMs),
		logger:      log.New(log.Writer(), "[ledger] ", log.LstdFlags),
	}
}

// Submit posts an attestation for commitment. It retries retryable
// failures with exponential backoff and jitter, and never retries after a
// CLIENT_ERROR: that indicates the attestation itself is malformed.
func (c *Client) Submit(ctx context.Context, orgID, tenantID string, attestation any) (*Ack, error) {
	breaker := c.breakers.get(endpointSubmit)
	if !breaker.allow() {
		return nil, &ErrCircuitOpen{Endpoint: endpointSubmit}
	}

	body, err := json.Marshal(submissionPayload{Attestation: attestation, OrgID: orgID, TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to encode submission: %w", err)
	}

	var attempts []*CallError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ack, callErr := c.doSubmit(ctx, body)
		if callErr == nil {
			breaker.success()
			return ack, nil
		}

		attempts = append(attempts, callErr)
		c.logger.Printf("submit attempt %d/%d failed: %s", attempt, c.maxAttempts, callErr)

		if !callErr.Category.Retryable() {
			breaker.failure()
			return nil, callErr
		}
		if attempt == c.maxAttempts {
			break
		}
		if err := sleepBackoff(ctx, attempt, callErr.Category); err != nil {
			return nil, err
		}
	}

	breaker.failure()
	return nil, &SubmissionFailed{Attempts: attempts}
}

func (c *Client) doSubmit(ctx context.Context, body []byte) (*Ack, *CallError) {
	url := c.baseURL + "/v1/attestations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Category: UnknownError, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &CallError{Category: categorizeTransportError(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Category: NetworkError, Err: err}
	}

	if cat, ok := categorizeStatus(resp.StatusCode); !ok {
		return nil, &CallError{Category: cat, Err: fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(respBody))}
	}

	txID, err := extractTxID(respBody)
	if err != nil {
		return nil, &CallError{Category: UnknownError, Err: err}
	}
	return &Ack{TxID: txID}, nil
}

// GetStatus polls the ledger for a transaction's commitment state. It is
// tracked by its own circuit breaker, independent of Submit's.
func (c *Client) GetStatus(ctx context.Context, txID string) (*StatusResult, error) {
	breaker := c.breakers.get(endpointGetStatus)
	if !breaker.allow() {
		return nil, &ErrCircuitOpen{Endpoint: endpointGetStatus}
	}

	url := c.baseURL + "/v1/attestations/" + txID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		breaker.failure()
		return nil, &CallError{Category: UnknownError, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		callErr := &CallError{Category: categorizeTransportError(ctx, err), Err: err}
		breaker.failure()
		return nil, callErr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		breaker.success()
		return &StatusResult{Status: StatusNotFound}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.failure()
		return nil, &CallError{Category: NetworkError, Err: err}
	}

	if cat, ok := categorizeStatus(resp.StatusCode); !ok {
		breaker.failure()
		return nil, &CallError{Category: cat, Err: fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(respBody))}
	}

	status, txID, err := extractStatus(respBody)
	if err != nil {
		breaker.failure()
		return nil, &CallError{Category: UnknownError, Err: err}
	}
	breaker.success()
	return &StatusResult{Status: status, TxID: txID}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Org-Id", c.orgID)
	req.Header.Set("X-Tenant-Id", c.tenantID)
}

func categorizeStatus(code int) (FailureCategory, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", true
	case code == http.StatusTooManyRequests:
		return RateLimited, false
	case code >= 400 && code < 500:
		return ClientError, false
	case code >= 500:
		return ServerError, false
	default:
		return UnknownError, false
	}
}

func categorizeTransportError(ctx context.Context, err error) FailureCategory {
	if ctx.Err() != nil {
		return TimeoutError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError
	}
	return NetworkError
}

// extractTxID tolerantly fishes a tx id out of the submit response, which
// may come back as {"txId": ...}, {"hash": ...}, {"data": {"hash": ...}},
// or an array containing any of those shapes.
func extractTxID(body []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("ledger: malformed submit response: %w", err)
	}
	if id := lookupTxIDCandidate(decoded); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("ledger: submit response did not contain a recognizable transaction id")
}

func lookupTxIDCandidate(v any) string {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"txId", "tx_id", "hash", "fingerprintHash"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		if data, ok := t["data"]; ok {
			return lookupTxIDCandidate(data)
		}
	case []any:
		for _, item := range t {
			if id := lookupTxIDCandidate(item); id != "" {
				return id
			}
		}
	}
	return ""
}

// extractStatus tolerantly parses a get_status response into a Status and
// its tx id.
func extractStatus(body []byte) (Status, string, error) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", fmt.Errorf("ledger: malformed status response: %w", err)
	}
	raw, ok := decoded["status"].(string)
	if !ok {
		if data, ok := decoded["data"].(map[string]any); ok {
			raw, _ = data["status"].(string)
		}
	}
	status := Status(raw)
	switch status {
	case StatusPendingCommitment, StatusFinalizedCommitment, StatusErroredCommitment:
		txID := lookupTxIDCandidate(decoded)
		return status, txID, nil
	default:
		return "", "", fmt.Errorf("ledger: unrecognized status value %q", raw)
	}
}

// sleepBackoff waits base*2^(attempt-1) plus uniform jitter in [0, 500ms),
// or returns early if ctx is cancelled. RATE_LIMITED failures multiply the
// base backoff: the ledger asked us to slow down, not just retry.
func sleepBackoff(ctx context.Context, attempt int, category FailureCategory) error {
	backoff := time.Duration(retryBaseBackoffMs*(1<<(attempt-1))) * time.Millisecond
	if category == RateLimited {
		backoff *= rateLimitBackoffMultiplier
	}
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(jitterCeilingMs)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
