package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	pathArtifacts = "/v1/inspectq/artifacts"
	pathQueue     = "/v1/inspectq/queue"
	pathHealth    = "/healthz"
)

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// apiError is a non-2xx answer from the server. Body holds the raw payload so
// callers can still decode structured error responses.
type apiError struct {
	Status int
	Body   []byte
}

func (e *apiError) Error() string {
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(e.Body, &msg) == nil && msg.Error != "" {
		return fmt.Sprintf("%s (%d)", msg.Error, e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func newClient(s *settings) *client {
	return &client{
		baseURL:    strings.TrimRight(s.baseURL, "/"),
		token:      s.token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out when out is not nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: data}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
