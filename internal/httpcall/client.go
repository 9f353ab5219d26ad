/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package httpcall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/wso2/api-platform/gateway/service-control/internal/async"
	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
)

const maxResponseBytes = 1 << 20

// Options tune outbound calls
type Options struct {
	// CheckTimeout bounds calls whose suffix ends in ":check"
	CheckTimeout time.Duration

	// ReportTimeout bounds every other call
	ReportTimeout time.Duration

	// Transport defaults to an otelhttp transport over http.DefaultTransport
	Transport http.RoundTripper

	// Tracker, when set, tracks every call so shutdown can wait for them
	Tracker *async.Tracker
}

// Client POSTs protobuf messages as JSON to the service control endpoint
type Client struct {
	httpClient *http.Client
	opts       Options
}

// NewClient creates a call client
func NewClient(opts Options) *Client {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 10 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "service_control " + callKind(r.URL.Path)
			}),
		)
	}
	return &Client{
		httpClient: &http.Client{Transport: opts.Transport},
		opts:       opts,
	}
}

// Call serializes payload and POSTs it to baseURI+suffix with token as a
// bearer credential. onDone receives the raw response body or an error on
// a separate goroutine, exactly once unless the handle is cancelled first.
func (c *Client) Call(baseURI, suffix, token string, payload proto.Message, onDone func(err error, body []byte)) async.CancelHandle {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), c.timeoutFor(suffix))
	ctx, handle := async.NewHandle(ctx)
	kind := callKind(suffix)

	c.opts.Tracker.Go(func() {
		defer cancelTimeout()
		defer handle.Release()

		start := time.Now()
		body, err := c.do(ctx, baseURI+suffix, token, payload)
		if handle.Cancelled() {
			slog.DebugContext(ctx, "Service control call cancelled", "call", kind, "suffix", suffix)
			return
		}

		observe(kind, err, time.Since(start))
		onDone(err, body)
	})

	return handle
}

func (c *Client) do(ctx context.Context, url, token string, payload proto.Message) ([]byte, error) {
	data, err := protojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request to %s timed out: %w", url, err)
		}
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body, 256)}
	}
	return body, nil
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service control returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (c *Client) timeoutFor(suffix string) time.Duration {
	if callKind(suffix) == "check" {
		return c.opts.CheckTimeout
	}
	return c.opts.ReportTimeout
}

func callKind(suffix string) string {
	switch {
	case strings.HasSuffix(suffix, ":check"):
		return "check"
	case strings.HasSuffix(suffix, ":report"):
		return "report"
	}
	return "other"
}

func observe(kind string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	switch kind {
	case "check":
		metrics.CheckCallsTotal.WithLabelValues(result).Inc()
		metrics.CheckDurationSeconds.Observe(elapsed.Seconds())
	case "report":
		metrics.ReportCallsTotal.WithLabelValues(result).Inc()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
