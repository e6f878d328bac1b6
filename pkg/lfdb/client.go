// SPDX-License-Identifier: APACHE-2.0

package lfdb

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
)

const maxResponseSize = 64 << 20

// StatusError is returned for a non-200 answer of the LF node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d from node: %s", e.Code, e.Body)
}

// Client issues queries to an LF node. Queries are rate limited so a
// misconfigured poll interval cannot flood the node.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient returns a client for the node at endpoint, for example
// "http://127.0.0.1:9980".
func NewClient(endpoint string, httpClient *http.Client, timeout time.Duration, qps float64, burst int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Query runs q and returns the raw response body on a 200 answer.
func (c *Client) Query(ctx context.Context, q Query) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		queryLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		queryLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to read query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		queryLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	queryLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return data, nil
}
