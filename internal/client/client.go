// Package client is a typed HTTP client for the persona server.
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
	"os"
	"strconv"
	"time"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/model"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 5 * time.Second
)

// Client talks to the persona server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL uses PERSONA_URL, then
// DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("PERSONA_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// WithHTTPClient swaps the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// APIError is a non-2xx answer from the server. It unwraps to the matching
// model error, so errors.Is works across the wire.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

var codeErrors = map[string]error{
	"embedding_unavailable": model.ErrEmbeddingUnavailable,
	"classifier_timeout":    model.ErrClassifierTimeout,
	"index_unavailable":     model.ErrIndexUnavailable,
	"invalid_record":        model.ErrInvalidRecord,
	"merge_conflict":        model.ErrConcurrentMergeConflict,
	"not_found":             model.ErrNotFound,
}

func (e *APIError) Unwrap() error { return codeErrors[e.Code] }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

func (c *Client) Ingest(ctx context.Context, req engine.IngestRequest) (engine.Handle, error) {
	var h engine.Handle
	err := c.do(ctx, http.MethodPost, "/api/ingest", req, &h)
	return h, err
}

func (c *Client) Remember(ctx context.Context, cand model.Candidate) (engine.Handle, error) {
	var h engine.Handle
	err := c.do(ctx, http.MethodPost, "/api/memories", cand, &h)
	return h, err
}

func (c *Client) Retrieve(ctx context.Context, req engine.RetrieveRequest) (engine.RetrieveResult, error) {
	var res engine.RetrieveResult
	err := c.do(ctx, http.MethodPost, "/api/retrieve", req, &res)
	return res, err
}

// Context returns the rendered context block for owner and query.
func (c *Client) Context(ctx context.Context, owner, query string, budget int) (string, error) {
	params := url.Values{}
	params.Set("owner", owner)
	if query != "" {
		params.Set("query", query)
	}
	if budget > 0 {
		params.Set("budget", strconv.Itoa(budget))
	}
	var resp struct {
		Context string `json:"context"`
	}
	err := c.do(ctx, http.MethodGet, "/api/context?"+params.Encode(), nil, &resp)
	return resp.Context, err
}

func memoryPath(ns model.Namespace, id string) string {
	return "/api/memories/" + url.PathEscape(ns.OwnerID) + "/" + string(ns.Kind) + "/" + url.PathEscape(id)
}

func (c *Client) Get(ctx context.Context, ns model.Namespace, id string) (*model.Record, error) {
	var rec model.Record
	if err := c.do(ctx, http.MethodGet, memoryPath(ns, id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Forget(ctx context.Context, ns model.Namespace, id string) error {
	return c.do(ctx, http.MethodDelete, memoryPath(ns, id), nil, nil)
}

func (c *Client) SetPinned(ctx context.Context, ns model.Namespace, id string, pinned bool) (*model.Record, error) {
	return c.toggle(ctx, memoryPath(ns, id)+"/pin", pinned)
}

func (c *Client) SetLegalHold(ctx context.Context, ns model.Namespace, id string, hold bool) (*model.Record, error) {
	return c.toggle(ctx, memoryPath(ns, id)+"/hold", hold)
}

func (c *Client) toggle(ctx context.Context, path string, enabled bool) (*model.Record, error) {
	var rec model.Record
	if err := c.do(ctx, http.MethodPut, path, map[string]bool{"enabled": enabled}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Decay asks the server to run a decay pass now.
func (c *Client) Decay(ctx context.Context) (engine.DecayReport, error) {
	var report engine.DecayReport
	err := c.do(ctx, http.MethodPost, "/api/decay", nil, &report)
	return report, err
}

// IsUnreachable reports whether err means the server could not be contacted
// at all, as opposed to an error answer.
func IsUnreachable(err error) bool {
	var apiErr *APIError
	return err != nil && !errors.As(err, &apiErr)
}
