package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type scoreRequest struct {
	Chains []ChainSummary `json:"chains"`
}

type scoreResponse struct {
	Results []ScoreResult `json:"results"`
}

// HTTPScorer calls a remote scoring service over JSON. Server errors and
// transport failures are retryable; client errors and malformed answers
// wrap ErrPermanent.
type HTTPScorer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPScorer creates a scorer for endpoint. The per-call deadline comes
// from the caller's context; timeout only bounds a stuck connection.
func NewHTTPScorer(endpoint, apiKey string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Assess implements Scorer.
func (s *HTTPScorer) Assess(ctx context.Context, batch []ChainSummary) ([]ScoreResult, error) {
	body, err := json.Marshal(scoreRequest{Chains: batch})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scorer request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read scorer response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("scorer returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: scorer returned %s: %s", ErrPermanent, resp.Status, truncate(payload, 200))
	}

	var out scoreResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: decode scorer response: %v", ErrPermanent, err)
	}
	return out.Results, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
