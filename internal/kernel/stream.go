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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wso2/api-platform/gateway/service-control/internal/constants"
	"github.com/wso2/api-platform/gateway/service-control/internal/filter"
	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
)

// Phase labels for request metrics
const (
	phaseRequestHeaders   = "request_headers"
	phaseRequestBody      = "request_body"
	phaseRequestTrailers  = "request_trailers"
	phaseResponseHeaders  = "response_headers"
	phaseResponseBody     = "response_body"
	phaseResponseTrailers = "response_trailers"
)

// streamProcessor adapts one ext_proc stream to the filter pipeline. It is
// the filter's StreamCallbacks and is only touched by the stream goroutine.
type streamProcessor struct {
	ctx      context.Context
	server   *ExternalProcessorServer
	stream   extprocv3.ExternalProcessor_ProcessServer
	span     trace.Span
	dispatch *dispatcher
	filter   *filter.Filter

	// headersPending is set while the request headers reply is withheld
	headersPending bool
	// held are body and trailer replies queued behind the headers reply
	held      []*extprocv3.ProcessingResponse
	responded bool

	responseFlag   string
	responseCode   int
	responseHeader http.Header
	bytesReceived  int64
	bytesSent      int64

	sendErr error
}

func newStreamProcessor(ctx context.Context, s *ExternalProcessorServer, stream extprocv3.ExternalProcessor_ProcessServer, span trace.Span) *streamProcessor {
	return &streamProcessor{
		ctx:      ctx,
		server:   s,
		stream:   stream,
		span:     span,
		dispatch: newDispatcher(),
	}
}

func (p *streamProcessor) handle(req *extprocv3.ProcessingRequest) {
	phase, spanName := classify(req)
	if phase == "" {
		slog.WarnContext(p.ctx, "Unknown request type", "type", fmt.Sprintf("%T", req.Request))
		metrics.StreamErrorsTotal.WithLabelValues("unknown_type").Inc()
		return
	}

	startTime := time.Now()
	_, span := p.server.tracer.Start(p.ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	metrics.RequestsTotal.WithLabelValues(phase).Inc()

	switch r := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		p.onRequestHeaders(r.RequestHeaders)
	case *extprocv3.ProcessingRequest_RequestBody:
		p.onRequestBody(r.RequestBody)
	case *extprocv3.ProcessingRequest_RequestTrailers:
		p.onRequestTrailers()
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		p.onResponseHeaders(r.ResponseHeaders)
	case *extprocv3.ProcessingRequest_ResponseBody:
		p.onResponseBody(r.ResponseBody)
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		p.onResponseTrailers()
	}

	if span.IsRecording() && p.filter != nil {
		span.SetAttributes(attribute.String(constants.AttrFilterState, p.filter.State().String()))
	}
	metrics.RequestDurationSeconds.WithLabelValues(phase).Observe(time.Since(startTime).Seconds())
}

func classify(req *extprocv3.ProcessingRequest) (phase, spanName string) {
	switch req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return phaseRequestHeaders, constants.SpanProcessRequestHeaders
	case *extprocv3.ProcessingRequest_RequestBody:
		return phaseRequestBody, constants.SpanProcessRequestBody
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return phaseRequestTrailers, constants.SpanProcessRequestTrailers
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return phaseResponseHeaders, constants.SpanProcessResponseHeaders
	case *extprocv3.ProcessingRequest_ResponseBody:
		return phaseResponseBody, constants.SpanProcessResponseBody
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return phaseResponseTrailers, constants.SpanProcessResponseTrailers
	}
	return "", ""
}

func (p *streamProcessor) onRequestHeaders(headers *extprocv3.HttpHeaders) {
	if p.filter != nil {
		slog.WarnContext(p.ctx, "Duplicate request headers on stream", "request_id", p.filter.RequestID())
		metrics.StreamErrorsTotal.WithLabelValues("duplicate_headers").Inc()
		return
	}

	method, path, header := convertHeaders(headers.GetHeaders())
	p.filter = filter.New(p.ctx, p.server.deps, p)
	if p.span.IsRecording() {
		p.span.SetAttributes(
			attribute.String(constants.AttrRequestID, p.filter.RequestID()),
			attribute.String(constants.AttrMethod, method),
			attribute.String(constants.AttrPath, path),
		)
	}

	// The reply stays withheld until the filter lets the request through
	p.headersPending = true
	st := p.filter.DecodeHeaders(method, path, header)
	if p.span.IsRecording() && p.filter.OperationName() != "" {
		p.span.SetAttributes(
			attribute.String(constants.AttrOperationName, p.filter.OperationName()),
			attribute.String(constants.AttrServiceName, p.filter.ServiceName()),
		)
	}
	switch {
	case p.responded:
	case st == filter.Continue:
		p.ContinueDecoding()
	case !p.filter.Suspended():
		slog.WarnContext(p.ctx, "Filter stopped headers without suspending, continuing",
			"request_id", p.filter.RequestID(),
			"state", p.filter.State().String())
		p.ContinueDecoding()
	}
}

func (p *streamProcessor) onRequestBody(body *extprocv3.HttpBody) {
	p.bytesReceived += int64(len(body.GetBody()))
	reply := &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{},
		},
	}
	if p.filter == nil {
		slog.WarnContext(p.ctx, "Request body received before request headers")
		metrics.StreamErrorsTotal.WithLabelValues("no_context").Inc()
		p.send(reply)
		return
	}
	if p.responded {
		return
	}
	p.forward(reply, p.filter.DecodeData(body.GetEndOfStream()))
}

func (p *streamProcessor) onRequestTrailers() {
	reply := &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{},
		},
	}
	if p.filter == nil {
		slog.WarnContext(p.ctx, "Request trailers received before request headers")
		metrics.StreamErrorsTotal.WithLabelValues("no_context").Inc()
		p.send(reply)
		return
	}
	if p.responded {
		return
	}
	p.forward(reply, p.filter.DecodeTrailers())
}

func (p *streamProcessor) onResponseHeaders(headers *extprocv3.HttpHeaders) {
	for _, h := range headers.GetHeaders().GetHeaders() {
		if h.Key == ":status" {
			if code, err := strconv.Atoi(headerValue(h)); err == nil {
				p.responseCode = code
			}
			break
		}
	}
	_, _, p.responseHeader = convertHeaders(headers.GetHeaders())
	if p.span.IsRecording() {
		p.span.SetAttributes(attribute.Int(constants.AttrResponseStatus, p.responseCode))
	}

	p.send(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{},
		},
	})
	if headers.GetEndOfStream() {
		p.logExchange()
	}
}

func (p *streamProcessor) onResponseBody(body *extprocv3.HttpBody) {
	p.bytesSent += int64(len(body.GetBody()))
	p.send(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{},
		},
	})
	if body.GetEndOfStream() {
		p.logExchange()
	}
}

func (p *streamProcessor) onResponseTrailers() {
	p.send(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		},
	})
	p.logExchange()
}

// forward sends reply now, or queues it behind the withheld headers reply
func (p *streamProcessor) forward(reply *extprocv3.ProcessingResponse, st filter.Status) {
	if p.headersPending || st == filter.Stop || len(p.held) > 0 {
		p.held = append(p.held, reply)
		return
	}
	p.send(reply)
}

func (p *streamProcessor) send(resp *extprocv3.ProcessingResponse) {
	if p.sendErr != nil {
		return
	}
	if err := p.stream.Send(resp); err != nil {
		slog.ErrorContext(p.ctx, "Error sending response", "error", err)
		metrics.StreamErrorsTotal.WithLabelValues("send").Inc()
		p.sendErr = status.Errorf(grpccodes.Unknown, "failed to send response: %v", err)
	}
}

// logExchange hands the finished exchange to the filter for reporting.
// The filter sends at most one report.
func (p *streamProcessor) logExchange() {
	if p.filter == nil {
		return
	}
	p.filter.Log(filter.StreamInfo{
		ResponseCode:   p.responseCode,
		BytesReceived:  p.bytesReceived,
		BytesSent:      p.bytesSent,
		EndTime:        time.Now(),
		ResponseHeader: p.responseHeader,
	})
}

// finish runs when the stream loop exits for any reason
func (p *streamProcessor) finish() {
	if p.filter != nil {
		p.logExchange()
		p.filter.OnDestroy()
		if p.span.IsRecording() {
			p.span.SetAttributes(attribute.String(constants.AttrFilterState, p.filter.State().String()))
		}
	}
	p.dispatch.close()
}

// Post implements filter.StreamCallbacks
func (p *streamProcessor) Post(fn func()) {
	p.dispatch.post(fn)
}

// ContinueDecoding implements filter.StreamCallbacks. It releases the
// withheld headers reply followed by any held body and trailer replies.
func (p *streamProcessor) ContinueDecoding() {
	if !p.headersPending || p.responded {
		return
	}
	p.headersPending = false
	p.send(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		},
	})
	held := p.held
	p.held = nil
	for _, reply := range held {
		p.send(reply)
	}
}

// SetResponseFlag implements filter.StreamCallbacks
func (p *streamProcessor) SetResponseFlag(flag string) {
	p.responseFlag = flag
}

// SendLocalReply implements filter.StreamCallbacks. Held replies are dropped
// since the proxy stops processing the request after an immediate response.
func (p *streamProcessor) SendLocalReply(code int, body string) {
	if p.responded {
		return
	}
	p.responded = true
	p.headersPending = false
	p.held = nil
	p.responseCode = code
	p.bytesSent += int64(len(body))

	if p.span.IsRecording() {
		p.span.SetStatus(codes.Error, body)
		p.span.SetAttributes(attribute.Int(constants.AttrResponseStatus, code))
	}

	p.send(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode(code)},
				Headers: &extprocv3.HeaderMutation{
					SetHeaders: []*corev3.HeaderValueOption{{
						Header: &corev3.HeaderValue{
							Key:      "content-type",
							RawValue: []byte("text/plain"),
						},
						AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
					}},
				},
				Body: []byte(body),
			},
		},
		DynamicMetadata: p.rejectionMetadata(),
	})
}

// rejectionMetadata builds dynamic metadata for access logs on a local reply
func (p *streamProcessor) rejectionMetadata() *structpb.Struct {
	fields := map[string]any{
		"request_id": p.filter.RequestID(),
	}
	if p.responseFlag != "" {
		fields["response_flag"] = p.responseFlag
	}
	ns, err := structpb.NewStruct(fields)
	if err != nil {
		slog.WarnContext(p.ctx, "Failed to build rejection metadata", "error", err)
		return nil
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			constants.DynamicMetadataNamespace: structpb.NewStructValue(ns),
		},
	}
}

// convertHeaders splits pseudo-headers from regular ones. It serves both
// request and response header maps.
func convertHeaders(hm *corev3.HeaderMap) (method, path string, header http.Header) {
	header = make(http.Header)
	for _, h := range hm.GetHeaders() {
		value := headerValue(h)
		switch h.Key {
		case ":method":
			method = value
		case ":path":
			path = value
		default:
			if strings.HasPrefix(h.Key, ":") {
				continue
			}
			header.Add(h.Key, value)
		}
	}
	return method, path, header
}

func headerValue(h *corev3.HeaderValue) string {
	if len(h.RawValue) > 0 {
		return string(h.RawValue)
	}
	return h.Value
}
