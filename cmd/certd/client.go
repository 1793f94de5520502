package main

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
)

// apiClient talks to a running certd.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is a non-2xx answer. Body is the server's error object.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("certd answered %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(out)}
	}
	return out, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
}

// Verify sends input as the parameter its shape suggests; the server
// classifies it again.
func (c *apiClient) Verify(ctx context.Context, params url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/verify?"+params.Encode(), nil, "")
}

func (c *apiClient) Issue(ctx context.Context, req any) (json.RawMessage, error) {
	return c.postJSON(ctx, "/issue", req)
}

func (c *apiClient) Revoke(ctx context.Context, req any) (json.RawMessage, error) {
	return c.postJSON(ctx, "/revoke", req)
}

func (c *apiClient) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, "")
}

func verifyParams(input, root string) url.Values {
	q := url.Values{}
	switch {
	case root != "":
		q.Set("did", input)
		q.Set("merkleRoot", root)
	case strings.HasPrefix(input, "did:"):
		q.Set("did", input)
	default:
		q.Set("merkleRoot", input)
	}
	return q
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
