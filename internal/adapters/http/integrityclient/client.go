// Package integrityclient calls a remote photo-integrity analyzer over HTTP.
//
// The analyzer accepts POST {"photo_ref": "..."} and answers
// {"valid": bool, "confidence": float}.
package integrityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/sabor/internal/domain/integrity"
)

const maxBody = 1 << 16

// ErrStatus is returned for a non-2xx analyzer response.
var ErrStatus = errors.New("integrity analyzer returned an error status")

type request struct {
	PhotoRef string `json:"photo_ref"`
}

type response struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
}

// Client implements integrity.Remote.
type Client struct {
	endpoint string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// New creates a Client for endpoint. Timeouts come from the caller's context.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{endpoint: endpoint, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze implements integrity.Remote.
func (c *Client) Analyze(ctx context.Context, photoRef string) (integrity.Verdict, error) {
	body, err := json.Marshal(request{PhotoRef: photoRef})
	if err != nil {
		return integrity.Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return integrity.Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return integrity.Verdict{}, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return integrity.Verdict{}, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return integrity.Verdict{}, fmt.Errorf("decode analyzer response: %w", err)
	}
	return integrity.Verdict{Valid: out.Valid, Confidence: out.Confidence}, nil
}
