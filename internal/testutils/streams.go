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

package testutils

import (
	"context"
	"io"
	"sync"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/metadata"
)

// MockExtProcStream implements extprocv3.ExternalProcessor_ProcessServer for
// testing. Requests are pushed by the test while Process runs; Recv blocks
// until one arrives, the stream is closed, or the context ends.
type MockExtProcStream struct {
	ctx       context.Context
	requests  chan *extprocv3.ProcessingRequest
	responses chan *extprocv3.ProcessingResponse

	mu        sync.Mutex
	closed    bool
	recvErr   error
	sendErr   error
	sentCount int
}

// NewMockExtProcStream creates a stream with room for a handful of
// requests and responses in flight.
func NewMockExtProcStream(ctx context.Context) *MockExtProcStream {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MockExtProcStream{
		ctx:       ctx,
		requests:  make(chan *extprocv3.ProcessingRequest, 16),
		responses: make(chan *extprocv3.ProcessingResponse, 16),
	}
}

// Push queues a request for Recv.
func (m *MockExtProcStream) Push(req *extprocv3.ProcessingRequest) {
	m.requests <- req
}

// CloseSend makes Recv return io.EOF once queued requests are drained.
func (m *MockExtProcStream) CloseSend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.requests)
	}
}

// Send records the response and returns any configured error.
func (m *MockExtProcStream) Send(resp *extprocv3.ProcessingResponse) error {
	m.mu.Lock()
	err := m.sendErr
	if err == nil {
		m.sentCount++
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.responses <- resp
	return nil
}

// Recv returns the next request, the configured error, or io.EOF after CloseSend.
func (m *MockExtProcStream) Recv() (*extprocv3.ProcessingRequest, error) {
	m.mu.Lock()
	err := m.recvErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case req, ok := <-m.requests:
		if !ok {
			return nil, io.EOF
		}
		return req, nil
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

// NextResponse waits up to timeout for the next sent response. It returns
// nil when nothing arrived.
func (m *MockExtProcStream) NextResponse(timeout time.Duration) *extprocv3.ProcessingResponse {
	select {
	case resp := <-m.responses:
		return resp
	case <-time.After(timeout):
		return nil
	}
}

// SentCount returns how many responses were sent successfully.
func (m *MockExtProcStream) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentCount
}

// SetHeader is a no-op implementation.
func (m *MockExtProcStream) SetHeader(metadata.MD) error { return nil }

// SendHeader is a no-op implementation.
func (m *MockExtProcStream) SendHeader(metadata.MD) error { return nil }

// SetTrailer is a no-op implementation.
func (m *MockExtProcStream) SetTrailer(metadata.MD) {}

// Context returns the stream context.
func (m *MockExtProcStream) Context() context.Context { return m.ctx }

// SendMsg is a no-op implementation.
func (m *MockExtProcStream) SendMsg(interface{}) error { return nil }

// RecvMsg is a no-op implementation.
func (m *MockExtProcStream) RecvMsg(interface{}) error { return nil }

// WithRecvError configures an error to be returned on Recv.
func (m *MockExtProcStream) WithRecvError(err error) *MockExtProcStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvErr = err
	return m
}

// WithSendError configures an error to be returned on Send.
func (m *MockExtProcStream) WithSendError(err error) *MockExtProcStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	return m
}

// RequestHeaders builds a request headers message. Pseudo-headers such as
// ":method" and ":path" are passed in headers like any other.
func RequestHeaders(headers map[string]string, endOfStream bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{
				Headers:     headerMap(headers),
				EndOfStream: endOfStream,
			},
		},
	}
}

// RequestBody builds a request body chunk message.
func RequestBody(body string, endOfStream bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestBody{
			RequestBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: endOfStream},
		},
	}
}

// RequestTrailers builds a request trailers message.
func RequestTrailers(trailers map[string]string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestTrailers{
			RequestTrailers: &extprocv3.HttpTrailers{Trailers: headerMap(trailers)},
		},
	}
}

// ResponseHeaders builds a response headers message carrying ":status".
func ResponseHeaders(status string, endOfStream bool) *extprocv3.ProcessingRequest {
	return ResponseHeadersWith(status, nil, endOfStream)
}

// ResponseHeadersWith builds a response headers message carrying ":status"
// and headers.
func ResponseHeadersWith(status string, headers map[string]string, endOfStream bool) *extprocv3.ProcessingRequest {
	all := map[string]string{":status": status}
	for k, v := range headers {
		all[k] = v
	}
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{
				Headers:     headerMap(all),
				EndOfStream: endOfStream,
			},
		},
	}
}

// ResponseBody builds a response body chunk message.
func ResponseBody(body string, endOfStream bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseBody{
			ResponseBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: endOfStream},
		},
	}
}

func headerMap(headers map[string]string) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	for k, v := range headers {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: k, RawValue: []byte(v)})
	}
	return hm
}
