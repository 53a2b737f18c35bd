// Package renderer calls a remote's prerender endpoint.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id to the renderer.
const RequestIDHeader = "X-Request-Id"

// RenderError is a non-2xx answer from a renderer.
type RenderError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("renderer %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Request is the body a renderer expects. Header is sent alongside it and is
// how a host addresses the cache manager (remote-name, content-language).
type Request struct {
	Module string         `json:"module"`
	Props  map[string]any `json:"props"`

	Header http.Header `json:"-"`
}

type Client struct {
	httpClient *http.Client
}

// NewClient returns a Client. A zero timeout leaves requests unbounded.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// NewClientWith wraps an existing http.Client.
func NewClientWith(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{httpClient: hc}
}

// Prerender posts {module, props} to remoteURL + "/prerender" and returns the
// serialized payload.
func (c *Client) Prerender(ctx context.Context, remoteURL string, req Request) (string, error) {
	if req.Props == nil {
		req.Props = map[string]any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("renderer: encode request: %w", err)
	}
	return c.Post(ctx, strings.TrimRight(remoteURL, "/")+"/prerender", body, req.Header)
}

// Post sends an already-encoded JSON body to url with the extra headers in
// hdr. A RequestIDHeader is generated when hdr does not carry one.
func (c *Client) Post(ctx context.Context, url string, body []byte, hdr http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &RenderError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
