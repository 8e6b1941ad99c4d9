// Package client talks to a streambridge server: REST calls for features,
// sessions and results, and a WebSocket reader for session streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-racer/streambridge/internal/features"
	"github.com/agent-racer/streambridge/internal/results"
	"github.com/agent-racer/streambridge/internal/server"
	"github.com/agent-racer/streambridge/internal/session"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// HTTPClient makes REST calls to a streambridge server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Features(ctx context.Context) ([]features.Info, error) {
	var out []features.Info
	if err := c.get(ctx, "/api/features", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prepare stages a session. request is sent as the JSON body; a
// json.RawMessage is sent unchanged.
func (c *HTTPClient) Prepare(ctx context.Context, feature string, request any) (*server.PrepareResponse, error) {
	var out server.PrepareResponse
	if err := c.post(ctx, "/api/features/"+url.PathEscape(feature)+"/sessions", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel reports whether a running session was found and cancelled.
func (c *HTTPClient) Cancel(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

func (c *HTTPClient) Sessions(ctx context.Context) ([]session.Running, error) {
	var out []session.Running
	if err := c.get(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Result(ctx context.Context, sessionID string) (*results.Summary, error) {
	var out results.Summary
	if err := c.get(ctx, "/api/results/"+url.PathEscape(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Stats(ctx context.Context) (*results.Stats, error) {
	var out results.Stats
	if err := c.get(ctx, "/api/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	var data []byte
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		data = b
	default:
		var err error
		if data, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
