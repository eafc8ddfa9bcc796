// Package collector supplies sample batches for monitored signals. The
// HTTP collector wraps an upstream post-search API behind a token-bucket
// rate limit; the simulated collector generates synthetic traffic for
// local runs and drills.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

// CollectionError marks a transient fetch failure. The scheduler's
// backoff policy retries these; detector state is never touched on error.
type CollectionError struct {
	Signal string
	Err    error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %q: %v", e.Signal, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Collector fetches the samples observed for one signal over a window.
type Collector interface {
	Fetch(ctx context.Context, signal string, window time.Duration) ([]models.Sample, error)
}

// HTTPCollector queries an upstream search endpoint for the number of
// posts matching a signal keyword within the window. Upstreams throttle
// aggressively (HTTP 429), so every request passes a shared limiter.
type HTTPCollector struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPCollector creates a collector against the given endpoint.
// ratePerSec <= 0 disables limiting.
func NewHTTPCollector(endpoint string, ratePerSec float64, burst int, timeout time.Duration) *HTTPCollector {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCollector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

type searchResponse struct {
	Count    float64 `json:"count"`
	Source   string  `json:"source,omitempty"`
	Keyword  string  `json:"keyword,omitempty"`
	TopPost  string  `json:"top_post,omitempty"`
	WindowMs int64   `json:"window_ms,omitempty"`
}

// Fetch returns a single count sample for the signal. All failures are
// wrapped as CollectionError so callers can treat them as transient.
func (c *HTTPCollector) Fetch(ctx context.Context, signal string, window time.Duration) ([]models.Sample, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &CollectionError{Signal: signal, Err: err}
	}

	q := url.Values{}
	q.Set("q", signal)
	q.Set("window_ms", fmt.Sprintf("%d", window.Milliseconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &CollectionError{Signal: signal, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &CollectionError{Signal: signal, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &CollectionError{Signal: signal, Err: fmt.Errorf("upstream rate limited")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CollectionError{Signal: signal, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &CollectionError{Signal: signal, Err: fmt.Errorf("decode response: %w", err)}
	}

	src := body.Source
	if src == "" {
		src = "live"
	}
	return []models.Sample{{
		Timestamp: time.Now().UTC(),
		Value:     body.Count,
		SourceTag: src,
		Text:      body.TopPost,
	}}, nil
}
