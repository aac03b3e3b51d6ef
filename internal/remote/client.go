// Package remote talks to the manufacturing server's entity endpoints. The
// endpoint shapes are a collaborator contract: one collection per entity
// table, 2xx success, 409 with the remote snapshot on conflict.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client performs entity mutations against the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenSource
	logger     *slog.Logger
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, tokens *TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: tokens,
		logger: logger,
	}
}

// Create posts a new entity to the table's collection.
func (c *Client) Create(ctx context.Context, table string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, c.tableURL(table), table, payload)
}

// Update replaces the entity by id.
func (c *Client) Update(ctx context.Context, table, id string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPut, c.entityURL(table, id), table, payload)
}

// Delete removes the entity by id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, c.entityURL(table, id), table, nil)
}

func (c *Client) tableURL(table string) string {
	return c.baseURL + "/tables/" + url.PathEscape(table)
}

func (c *Client) entityURL(table, id string) string {
	return c.tableURL(table) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, u, table string, payload json.RawMessage) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("remote: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures carry no status code; the classifier reads
		// them from the error chain.
		return fmt.Errorf("remote: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict:
		var snapshot map[string]any
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &snapshot); err != nil {
				c.logger.Warn("conflict body unparseable",
					"table", table, "error", err)
			}
		}
		return &ConflictError{Table: table, Snapshot: snapshot}

	default:
		return &StatusError{Status: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
