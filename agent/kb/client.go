// Package kb implements the knowledge-base agent: it retrieves scored
// passages from the tenant's slice of the document index and
// synthesizes an answer that cites them.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/siamtech/querygate/internal/version"
)

const (
	retrievalTimeout = 15 * time.Second

	// maxBodyBytes bounds a retrieval response read; passages past it
	// mean a misbehaving service, not a bigger answer.
	maxBodyBytes = 4 << 20
)

// SearchRequest is the retrieval call for one tenant question.
type SearchRequest struct {
	KBID       string `json:"kb_id"`
	Prefix     string `json:"prefix,omitempty"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	SearchType string `json:"search_type"`
}

// Passage is one scored hit from the tenant's document index.
type Passage struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

type searchResponse struct {
	Passages []Passage `json:"passages"`
}

// RetrievalError wraps a failed retrieval call. Status is zero when the
// request never reached the service.
type RetrievalError struct {
	Status int
	Err    error
}

func (e *RetrievalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("kb retrieval failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("kb retrieval failed: %v", e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Transient reports whether a retry or a later request may succeed.
// Client errors (4xx) mean the tenant binding is wrong and will not
// heal on their own.
func (e *RetrievalError) Transient() bool {
	return e.Status == 0 || e.Status >= 500
}

// Client talks to a tenant's retrieval service.
type Client struct {
	http *http.Client
}

// NewClient creates a retrieval client with its own tuned transport.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout: retrievalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Retrieve posts the search request to the tenant's endpoint and
// returns the scored passages, best first.
func (c *Client) Retrieve(ctx context.Context, endpoint string, req SearchRequest) ([]Passage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &RetrievalError{Err: fmt.Errorf("encode search request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &RetrievalError{Err: fmt.Errorf("build search request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RetrievalError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RetrievalError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", firstLine(body)),
		}
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &RetrievalError{Status: resp.StatusCode, Err: fmt.Errorf("decode passages: %w", err)}
	}
	return decoded.Passages, nil
}

// firstLine keeps error bodies loggable.
func firstLine(body []byte) string {
	const limit = 200
	for i, b := range body {
		if b == '\n' || i == limit {
			return string(body[:i])
		}
	}
	return string(body)
}
