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

package token

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/wso2/api-platform/gateway/service-control/internal/async"
	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

// ServiceLookup resolves the service whose token source should be used
type ServiceLookup interface {
	FindService(name string) *serviceconfig.Service
}

// Options tune token fetching
type Options struct {
	// FetchTimeout bounds one FetchToken call, retries included
	FetchTimeout time.Duration

	// InitialBackoff is the first retry delay; later delays grow exponentially
	InitialBackoff time.Duration

	// HTTPClient is used by client_credentials and metadata sources.
	// Defaults to a client with an otelhttp transport.
	HTTPClient *http.Client

	// Tracker, when set, tracks every fetch so shutdown can wait for them
	Tracker *async.Tracker
}

// cachedToken pairs the last token of a service with the service definition
// it was fetched for, so a reapplied configuration drops it
type cachedToken struct {
	service *serviceconfig.Service
	token   *oauth2.Token
}

// Provider fetches access tokens for services asynchronously
type Provider struct {
	lookup ServiceLookup
	opts   Options

	mu     sync.Mutex
	tokens map[string]*cachedToken
}

// NewProvider creates a token provider resolving services through lookup
func NewProvider(lookup ServiceLookup, opts Options) *Provider {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.FetchTimeout,
		}
	}
	return &Provider{
		lookup: lookup,
		opts:   opts,
		tokens: make(map[string]*cachedToken),
	}
}

// FetchToken obtains a token for serviceName on a separate goroutine and
// passes it to onDone. onDone runs exactly once unless the returned handle
// is cancelled first.
func (p *Provider) FetchToken(serviceName string, onDone func(err error, token string)) async.CancelHandle {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), p.opts.FetchTimeout)
	ctx, handle := async.NewHandle(ctx)

	p.opts.Tracker.Go(func() {
		defer cancelTimeout()
		defer handle.Release()

		token, err := p.fetch(ctx, serviceName)
		if handle.Cancelled() {
			slog.DebugContext(ctx, "Token fetch cancelled", "service", serviceName)
			return
		}

		if err != nil {
			metrics.TokenFetchTotal.WithLabelValues(serviceName, "error").Inc()
			slog.WarnContext(ctx, "Failed to fetch access token",
				"service", serviceName,
				"error", err)
		} else {
			metrics.TokenFetchTotal.WithLabelValues(serviceName, "success").Inc()
		}
		onDone(err, token)
	})

	return handle
}

func (p *Provider) fetch(ctx context.Context, serviceName string) (string, error) {
	svc := p.lookup.FindService(serviceName)
	if svc == nil {
		return "", fmt.Errorf("service %s is not configured", serviceName)
	}

	src, err := newTokenSource(ctx, svc.Token, p.opts.HTTPClient, p.lastToken(svc))
	if err != nil {
		return "", fmt.Errorf("service %s: %w", serviceName, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		tok, err := src.Token()
		if err != nil {
			if isPermanent(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if tok.AccessToken == "" {
			return "", backoff.Permanent(fmt.Errorf("token source for %s returned an empty token", serviceName))
		}
		p.storeToken(svc, tok)
		return tok.AccessToken, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.opts.FetchTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.DebugContext(ctx, "Retrying token fetch",
				"service", serviceName,
				"delay", next,
				"error", err)
		}),
	)
}

// lastToken returns the cached token of svc, nil when none was fetched for
// this service definition
func (p *Provider) lastToken(svc *serviceconfig.Service) *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.tokens[svc.Name]; ok && cached.service == svc {
		return cached.token
	}
	return nil
}

func (p *Provider) storeToken(svc *serviceconfig.Service, tok *oauth2.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[svc.Name] = &cachedToken{service: svc, token: tok}
}
