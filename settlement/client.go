// Package settlement hands resolved cases to the escrow executor and retries
// the ones it could not settle.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fundshield/apperr"
	"fundshield/dispute"
)

// Reference identifies an executed settlement at the executor, for example a
// transaction hash.
type Reference string

// Client executes a ruling against the escrow.
type Client interface {
	ExecuteResolution(ctx context.Context, req dispute.SettlementRequest) (Reference, error)
}

var ErrRejected = apperr.New(apperr.Downstream, "settlement: executor rejected request")

type executeResponse struct {
	Reference string `json:"reference"`
}

// HTTPClient posts settlement requests as JSON to the executor endpoint.
type HTTPClient struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(url string, timeout time.Duration, rps float64) *HTTPClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps) + 1
	}
	return &HTTPClient{
		url:     strings.TrimRight(url, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *HTTPClient) ExecuteResolution(ctx context.Context, req dispute.SettlementRequest) (Reference, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", apperr.Wrap(apperr.Downstream, "settlement: rate limit wait", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/settlements", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("settlement: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.Key
	if key == "" {
		key = req.CaseID
	}
	httpReq.Header.Set("Idempotency-Key", key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", apperr.Wrap(apperr.Downstream, "settlement: executor unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.Wrap(apperr.Downstream, "settlement: read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.Wrap(apperr.Downstream, "settlement: decode response", err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("%w: response carries no reference", ErrRejected)
	}
	return Reference(out.Reference), nil
}
