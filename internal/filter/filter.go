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

package filter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
	"github.com/wso2/api-platform/gateway/service-control/internal/servicecontrol"
)

// State of a request
type State int

const (
	StateIdle State = iota
	StateCalling
	StateComplete
	StateResponded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCalling:
		return "Calling"
	case StateComplete:
		return "Complete"
	case StateResponded:
		return "Responded"
	}
	return "Unknown"
}

// Rejection reasons sent to the client
const (
	ReasonNoOperation     = "Path does not match any requirement uri_template."
	ReasonServiceNotFound = "required service is not configured."
	ReasonTokenFailed     = "Failed to fetch access_token"
	ReasonCheckFailed     = "Check failed"
)

const (
	checkSuffix  = ":check"
	reportSuffix = ":report"

	lookupNoOperation = "no_matching_operation"
	lookupNoService   = "service_not_configured"
)

// CheckOutcome is the translated result of a :check call
type CheckOutcome struct {
	// Status is nil when the check passed
	Status error
	Info   servicecontrol.CheckResponseInfo
}

// Filter is the per-request state machine. It is owned by a single
// goroutine: pipeline entrypoints and posted callbacks never run
// concurrently, so fields are not locked.
type Filter struct {
	ctx  context.Context
	deps Deps
	cb   StreamCallbacks

	requestID string
	operation *serviceconfig.Operation
	service   *serviceconfig.Service

	apiKey        string
	apiName       string
	apiVersion    string
	operationName string
	token         string

	httpMethod string
	path       string
	startTime  time.Time

	// requestHeaders holds the logged request headers in report form
	requestHeaders string

	state     State
	suspended bool
	destroyed bool
	logged    bool

	checkOutcome *CheckOutcome

	pendingToken CancelHandle
	pendingCheck CancelHandle
	tokenFired   bool
	checkFired   bool
}

// New creates a filter for one request
func New(ctx context.Context, deps Deps, cb StreamCallbacks) *Filter {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Filter{
		ctx:       ctx,
		deps:      deps,
		cb:        cb,
		requestID: uuid.NewString(),
		state:     StateIdle,
	}
}

// RequestID returns the identifier used as the check and report operation id
func (f *Filter) RequestID() string { return f.requestID }

// State returns the current state
func (f *Filter) State() State { return f.state }

// APIKey returns the extracted key, empty if none was found
func (f *Filter) APIKey() string { return f.apiKey }

// Suspended reports whether the pipeline is paused on this filter
func (f *Filter) Suspended() bool { return f.suspended }

// OperationName returns the matched operation, empty until DecodeHeaders
// resolves one
func (f *Filter) OperationName() string { return f.operationName }

// ServiceName returns the matched service, empty until DecodeHeaders
// resolves one
func (f *Filter) ServiceName() string {
	if f.service == nil {
		return ""
	}
	return f.service.Name
}

// DecodeHeaders resolves the request and starts the token fetch
func (f *Filter) DecodeHeaders(method, path string, header http.Header) Status {
	f.httpMethod = method
	f.path = path
	f.startTime = f.deps.Now()

	op := f.deps.Resolver.FindOperation(method, path)
	if op == nil {
		slog.DebugContext(f.ctx, "No operation matched",
			"request_id", f.requestID,
			"method", method,
			"path", path)
		metrics.OperationLookupFailuresTotal.WithLabelValues(lookupNoOperation).Inc()
		f.reject(http.StatusNotFound, ReasonNoOperation)
		return Stop
	}
	f.operation = op

	svc := f.deps.Resolver.FindService(op.ServiceName)
	if svc == nil {
		slog.DebugContext(f.ctx, "No service matched",
			"request_id", f.requestID,
			"operation", op.Name,
			"service", op.ServiceName)
		metrics.OperationLookupFailuresTotal.WithLabelValues(lookupNoService).Inc()
		f.reject(http.StatusNotFound, ReasonServiceNotFound)
		return Stop
	}
	f.service = svc

	f.operationName = op.Name
	f.apiName = op.APIName
	f.apiVersion = op.APIVersion
	f.requestHeaders = formatHeaders(f.deps.LogHeaders.Request, header)

	if op.APIKey.AllowWithoutAPIKey {
		slog.DebugContext(f.ctx, "Service control check is not needed",
			"request_id", f.requestID,
			"operation", op.Name)
		f.allow()
		return Continue
	}

	f.apiKey = ExtractAPIKey(f.ctx, op.APIKey.Locations, path, header)
	f.state = StateCalling

	handle := f.deps.Tokens.FetchToken(svc.Name, func(err error, token string) {
		f.cb.Post(func() { f.onTokenDone(err, token) })
	})
	if !f.tokenFired {
		f.pendingToken = handle
	}

	switch f.state {
	case StateComplete:
		return Continue
	case StateCalling:
		f.suspended = true
		slog.DebugContext(f.ctx, "Pausing request until check completes", "request_id", f.requestID)
	}
	return Stop
}

func (f *Filter) onTokenDone(err error, token string) {
	f.tokenFired = true
	f.pendingToken = nil
	if f.state == StateResponded || f.destroyed {
		return
	}

	if err != nil {
		slog.WarnContext(f.ctx, "Rejecting request, access token unavailable",
			"request_id", f.requestID,
			"service", f.service.Name,
			"error", err)
		f.reject(http.StatusUnauthorized, ReasonTokenFailed)
		return
	}
	f.token = token

	req := servicecontrol.FillCheckRequest(&servicecontrol.CheckRequestInfo{
		ServiceName:       f.service.Name,
		OperationID:       f.requestID,
		OperationName:     f.operationName,
		ProducerProjectID: f.service.ProducerProjectID,
		ServiceConfigID:   f.service.ServiceConfigID,
		APIKey:            f.apiKey,
		RequestStartTime:  f.deps.Now(),
	})
	slog.DebugContext(f.ctx, "Sending check",
		"request_id", f.requestID,
		"operation", f.operationName,
		"service", f.service.Name)

	f.checkFired = false
	handle := f.deps.Calls.Call(f.service.ServiceControlURI, f.service.Name+checkSuffix, f.token, req,
		func(err error, body []byte) {
			f.cb.Post(func() { f.onCheckResponse(err, body) })
		})
	if !f.checkFired {
		f.pendingCheck = handle
	}
}

func (f *Filter) onCheckResponse(err error, body []byte) {
	f.checkFired = true
	f.pendingCheck = nil
	if f.state == StateResponded || f.destroyed {
		return
	}

	if err != nil {
		slog.WarnContext(f.ctx, "Check call failed",
			"request_id", f.requestID,
			"service", f.service.Name,
			"error", err)
		f.reject(http.StatusUnauthorized, ReasonCheckFailed)
		return
	}

	resp, err := servicecontrol.ParseCheckResponse(body)
	if err != nil {
		slog.WarnContext(f.ctx, "Malformed check response",
			"request_id", f.requestID,
			"error", err)
		f.reject(http.StatusUnauthorized, ReasonCheckFailed)
		return
	}

	outcome := &CheckOutcome{}
	outcome.Status = servicecontrol.ConvertCheckResponse(resp, f.service.Name, &outcome.Info)
	f.checkOutcome = outcome
	if outcome.Status != nil {
		slog.InfoContext(f.ctx, "Check denied request",
			"request_id", f.requestID,
			"operation", f.operationName,
			"error", outcome.Status)
		f.reject(http.StatusUnauthorized, ReasonCheckFailed)
		return
	}

	f.allow()
	f.state = StateComplete
	if f.suspended {
		f.suspended = false
		f.cb.ContinueDecoding()
	}
}

// DecodeData holds body chunks while the check is outstanding
func (f *Filter) DecodeData(endOfStream bool) Status {
	if f.state == StateCalling {
		return Stop
	}
	return Continue
}

// DecodeTrailers holds trailers while the check is outstanding
func (f *Filter) DecodeTrailers() Status {
	if f.state == StateCalling {
		return Stop
	}
	return Continue
}

// OnDestroy cancels outstanding calls. Later callbacks become no-ops.
// Safe to call more than once.
func (f *Filter) OnDestroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true

	if f.pendingToken != nil {
		f.pendingToken.Cancel()
		f.pendingToken = nil
	}
	if f.pendingCheck != nil {
		f.pendingCheck.Cancel()
		f.pendingCheck = nil
	}
}
