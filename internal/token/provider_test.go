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
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/service-control/internal/async"
	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

type staticLookup map[string]*serviceconfig.Service

func (l staticLookup) FindService(name string) *serviceconfig.Service {
	return l[name]
}

type fetchResult struct {
	err   error
	token string
}

// fetchSync runs FetchToken and waits for its callback
func fetchSync(t *testing.T, p *Provider, service string) fetchResult {
	t.Helper()
	ch := make(chan fetchResult, 1)
	p.FetchToken(service, func(err error, token string) {
		ch <- fetchResult{err: err, token: token}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("token callback did not fire")
		return fetchResult{}
	}
}

func testOptions() Options {
	return Options{FetchTimeout: 2 * time.Second, InitialBackoff: 10 * time.Millisecond}
}

// =============================================================================
// Static Source Tests
// =============================================================================

func TestFetchToken_Static(t *testing.T) {
	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeStatic, Value: "T"}},
	}
	p := NewProvider(lookup, testOptions())

	r := fetchSync(t, p, "svc")
	require.NoError(t, r.err)
	assert.Equal(t, "T", r.token)
}

func TestFetchToken_UnknownService(t *testing.T) {
	p := NewProvider(staticLookup{}, testOptions())

	r := fetchSync(t, p, "missing")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "service missing is not configured")
	assert.Empty(t, r.token)
}

func TestFetchToken_RebuildsSourceWhenServiceChanges(t *testing.T) {
	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeStatic, Value: "old"}},
	}
	p := NewProvider(lookup, testOptions())
	assert.Equal(t, "old", fetchSync(t, p, "svc").token)

	lookup["svc"] = &serviceconfig.Service{Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeStatic, Value: "new"}}
	assert.Equal(t, "new", fetchSync(t, p, "svc").token)
}

// =============================================================================
// Metadata Source Tests
// =============================================================================

func TestFetchToken_Metadata(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"meta-token","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	p := NewProvider(lookup, testOptions())

	assert.Equal(t, "meta-token", fetchSync(t, p, "svc").token)
	assert.Equal(t, "meta-token", fetchSync(t, p, "svc").token)
	assert.Equal(t, int32(1), calls.Load(), "valid tokens are reused")
}

func TestFetchToken_MetadataRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"access_token":"after-retry","expires_in":60}`))
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	p := NewProvider(lookup, testOptions())

	r := fetchSync(t, p, "svc")
	require.NoError(t, r.err)
	assert.Equal(t, "after-retry", r.token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchToken_MetadataClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	p := NewProvider(lookup, testOptions())

	r := fetchSync(t, p, "svc")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "HTTP 403")
	assert.Equal(t, int32(1), calls.Load())
}

// =============================================================================
// Client Credentials Source Tests
// =============================================================================

func TestFetchToken_ClientCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":300}`))
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{
			Type:         serviceconfig.TokenTypeClientCredentials,
			TokenURL:     server.URL,
			ClientID:     "id",
			ClientSecret: "secret",
		}},
	}
	p := NewProvider(lookup, testOptions())

	r := fetchSync(t, p, "svc")
	require.NoError(t, r.err)
	assert.Equal(t, "cc-token", r.token)
}

func TestFetchToken_ClientCredentialsRejected(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{
			Type: serviceconfig.TokenTypeClientCredentials, TokenURL: server.URL, ClientID: "id",
		}},
	}
	p := NewProvider(lookup, testOptions())

	r := fetchSync(t, p, "svc")
	require.Error(t, r.err)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestFetchToken_CancelSuppressesCallback(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"access_token":"late"}`))
	}))
	defer server.Close()
	defer close(release)

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	p := NewProvider(lookup, testOptions())

	fired := make(chan struct{}, 1)
	handle := p.FetchToken("svc", func(error, string) { fired <- struct{}{} })
	handle.Cancel()
	handle.Cancel()

	select {
	case <-fired:
		t.Fatal("callback fired after cancel")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFetchToken_CancelAbortsMetadataRequest(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	p := NewProvider(lookup, Options{FetchTimeout: time.Minute, InitialBackoff: 10 * time.Millisecond})

	handle := p.FetchToken("svc", func(error, string) {})
	<-started
	handle.Cancel()

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("metadata request was not aborted by cancel")
	}
}

func TestFetchToken_TrackedByTracker(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"access_token":"tracked","expires_in":60}`))
	}))
	defer server.Close()

	lookup := staticLookup{
		"svc": {Name: "svc", Token: serviceconfig.TokenSource{Type: serviceconfig.TokenTypeMetadata, MetadataURL: server.URL}},
	}
	tracker := &async.Tracker{}
	opts := testOptions()
	opts.Tracker = tracker
	p := NewProvider(lookup, opts)

	got := make(chan string, 1)
	p.FetchToken("svc", func(_ error, token string) { got <- token })

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tracker.Wait(short), context.DeadlineExceeded)

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, tracker.Wait(ctx))
	assert.Equal(t, "tracked", <-got)
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, isPermanent(errors.New("dial tcp: connection refused")))
	assert.True(t, isClientError(http.StatusBadRequest))
	assert.False(t, isClientError(http.StatusTooManyRequests))
	assert.False(t, isClientError(http.StatusBadGateway))
}
