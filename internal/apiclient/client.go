// Package apiclient is the thin request/response layer the sync engine uses
// to reach the ledger server: hash comparison, incremental pull, and bulk
// push, plus a cached reachability probe. It follows this codebase's usual
// backend-client shape (bounded http.Client, context-scoped requests,
// sentinel errors) rather than a generated client.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tallyup/ledgerd/internal/syncerr"
)

const (
	bulkTimeout  = 15 * time.Second
	probeTimeout = 3 * time.Second
	probeTTL     = 10 * time.Second
)

// WireEvent is the JSON shape exchanged with the server. It carries the
// event store's fields except the local-only synced flag and wallet_id, and
// keeps the timestamp as RFC3339 text; the sync engine converts between the
// two shapes.
type WireEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     string          `json:"timestamp"`
	Version       int             `json:"version"`
}

// HashResponse is the body of GET /api/sync/hash.
type HashResponse struct {
	Hash       string `json:"hash"`
	EventCount int    `json:"event_count"`
}

// PushResponse is the body of POST /api/sync/events.
type PushResponse struct {
	Accepted  []string `json:"accepted"`
	Conflicts []string `json:"conflicts"`
}

// Client talks to one ledger server on behalf of one device.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client

	mu          sync.Mutex
	probeAt     time.Time
	probeResult bool
	probeValid  bool
}

// New returns a Client for baseURL (no trailing slash required). deviceID is
// sent as an optional diagnostic header, never required by the server.
func New(baseURL, deviceID string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: bulkTimeout},
	}
}

// Reachable performs the cached reachability probe described in spec.md
// §4.6.4: GET the hash endpoint with a 3-second timeout, treat HTTP 200,
// 401, or 403 as reachable (401/403 mean the network is fine, auth is the
// caller's problem). Caches the result for 10 seconds to prevent probe
// storms.
func (c *Client) Reachable(ctx context.Context, token, walletID string) bool {
	c.mu.Lock()
	if c.probeValid && time.Since(c.probeAt) < probeTTL {
		result := c.probeResult
		c.mu.Unlock()
		return result
	}
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := c.newRequest(probeCtx, "GET", "/api/sync/hash", token, walletID, nil)
	reachable := false
	if err == nil {
		resp, doErr := c.httpClient.Do(req)
		if doErr == nil {
			resp.Body.Close()
			reachable = resp.StatusCode == http.StatusOK ||
				resp.StatusCode == http.StatusUnauthorized ||
				resp.StatusCode == http.StatusForbidden
		}
	}

	c.mu.Lock()
	c.probeAt = time.Now()
	c.probeResult = reachable
	c.probeValid = true
	c.mu.Unlock()

	return reachable
}

// Hash fetches {hash, event_count} for the current wallet.
func (c *Client) Hash(ctx context.Context, token, walletID string) (HashResponse, error) {
	var out HashResponse
	req, err := c.newRequest(ctx, "GET", "/api/sync/hash", token, walletID, nil)
	if err != nil {
		return out, err
	}
	err = c.doJSON(req, &out)
	return out, err
}

// EventsSince fetches events after the given RFC3339 watermark (empty string
// fetches the full wallet history).
func (c *Client) EventsSince(ctx context.Context, token, walletID, since string) ([]WireEvent, error) {
	path := "/api/sync/events"
	if since != "" {
		path += "?since=" + since
	}

	req, err := c.newRequest(ctx, "GET", path, token, walletID, nil)
	if err != nil {
		return nil, err
	}

	var out []WireEvent
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PushEvents sends an ordered batch of events for ingestion.
func (c *Client) PushEvents(ctx context.Context, token, walletID string, events []WireEvent) (PushResponse, error) {
	var out PushResponse

	body, err := json.Marshal(events)
	if err != nil {
		return out, fmt.Errorf("apiclient: marshal push body: %w", err)
	}

	req, err := c.newRequest(ctx, "POST", "/api/sync/events", token, walletID, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	err = c.doJSON(req, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path, token, walletID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if walletID != "" {
		req.Header.Set("X-Wallet-Id", walletID)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.ErrAuthExpired
	case resp.StatusCode == http.StatusConflict:
		return syncerr.ErrServerConflict
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server status %d", syncerr.ErrNetworkUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("apiclient: request failed: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrMalformed, err)
	}
	return nil
}
