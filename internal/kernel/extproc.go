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

package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wso2/api-platform/gateway/service-control/internal/constants"
	"github.com/wso2/api-platform/gateway/service-control/internal/filter"
	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
	"github.com/wso2/api-platform/gateway/service-control/internal/tracing"
)

// ExternalProcessorServer implements the Envoy external processor service.
// Each stream carries one HTTP exchange and gets its own Filter.
type ExternalProcessorServer struct {
	extprocv3.UnimplementedExternalProcessorServer

	deps   filter.Deps
	tracer trace.Tracer
}

// NewExternalProcessorServer creates a server that builds filters from deps
func NewExternalProcessorServer(deps filter.Deps) *ExternalProcessorServer {
	return &ExternalProcessorServer{
		deps:   deps,
		tracer: tracing.Tracer(),
	}
}

type recvResult struct {
	req *extprocv3.ProcessingRequest
	err error
}

// Process implements the bidirectional streaming RPC handler. The calling
// goroutine owns the stream's Filter: proxy messages arrive from a reader
// goroutine and collaborator callbacks from the dispatcher, and both are
// handled here one at a time.
func (s *ExternalProcessorServer) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	// NoOp span if tracing is disabled
	traceCtx := tracing.ExtractTraceContext(stream.Context())
	ctx, span := s.tracer.Start(traceCtx, constants.SpanExternalProcessingProcess,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	p := newStreamProcessor(ctx, s, stream, span)
	defer p.finish()

	received := make(chan recvResult)
	go p.receive(received)

	for {
		select {
		case r := <-received:
			if r.err != nil {
				return p.recvError(r.err)
			}
			p.handle(r.req)

		case <-p.dispatch.notify:
			for _, fn := range p.dispatch.drain() {
				fn()
				if p.sendErr != nil {
					break
				}
			}

		case <-ctx.Done():
			slog.DebugContext(ctx, "Stream context done")
			return nil
		}

		if p.sendErr != nil {
			return p.sendErr
		}
	}
}

// receive forwards Recv results until an error or until the stream loop exits
func (p *streamProcessor) receive(out chan<- recvResult) {
	for {
		req, err := p.stream.Recv()
		select {
		case out <- recvResult{req: req, err: err}:
		case <-p.dispatch.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *streamProcessor) recvError(err error) error {
	if errors.Is(err, io.EOF) {
		slog.DebugContext(p.ctx, "Stream closed by proxy")
		return nil
	}
	// Envoy cancels the stream once the exchange is complete
	if errors.Is(err, context.Canceled) || status.Code(err) == grpccodes.Canceled {
		slog.DebugContext(p.ctx, "Stream closed due to context cancellation")
		return nil
	}
	slog.ErrorContext(p.ctx, "Error receiving from stream", "error", err)
	metrics.StreamErrorsTotal.WithLabelValues("receive").Inc()
	return status.Errorf(grpccodes.Unknown, "failed to receive request: %v", err)
}

// dispatcher queues functions for the stream goroutine. Posting never
// blocks, so it is safe from any goroutine including the stream's own.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) drain() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// close drops queued work and every later post
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}
