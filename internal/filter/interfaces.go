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
	"net/http"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/wso2/api-platform/gateway/service-control/internal/async"
	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

// CancelHandle cancels a pending token fetch or call
type CancelHandle = async.CancelHandle

// OperationResolver maps requests to configured operations and services.
// Both lookups return nil when nothing matches.
type OperationResolver interface {
	FindOperation(method, path string) *serviceconfig.Operation
	FindService(name string) *serviceconfig.Service
}

// TokenProvider fetches the access token used against the service control
// endpoint. onDone fires once unless the handle is cancelled first.
type TokenProvider interface {
	FetchToken(serviceName string, onDone func(err error, token string)) CancelHandle
}

// CallClient sends a payload to baseURI+suffix. onDone fires once unless the
// handle is cancelled first.
type CallClient interface {
	Call(baseURI, suffix, token string, payload proto.Message, onDone func(err error, body []byte)) CancelHandle
}

// Counter is a monotonic process-lifetime counter
type Counter interface {
	Inc()
}

// Stats holds the outcome counters
type Stats struct {
	Allowed Counter
	Denied  Counter
}

// Deps are the collaborators a Filter is built with
type Deps struct {
	Resolver OperationResolver
	Tokens   TokenProvider
	Calls    CallClient
	Stats    Stats

	// LogHeaders names the headers copied into reports
	LogHeaders HeaderLogging

	// Now defaults to time.Now
	Now func() time.Time
}

// HeaderLogging lists request and response header names whose values are
// included in the report log entry, in the given order
type HeaderLogging struct {
	Request  []string
	Response []string
}

// StreamCallbacks is what the proxy pipeline offers a Filter
type StreamCallbacks interface {
	// Post runs fn on the goroutine that owns the filter. Posts made after
	// the stream has finished are dropped.
	Post(fn func())

	// ContinueDecoding resumes a paused request
	ContinueDecoding()

	// SendLocalReply answers the client directly with code and body
	SendLocalReply(code int, body string)

	// SetResponseFlag marks the response for access logs and metadata
	SetResponseFlag(flag string)
}

// Status tells the pipeline whether to forward what it just delivered
type Status int

const (
	// Continue forwards the headers, body chunk or trailers
	Continue Status = iota
	// Stop holds them until ContinueDecoding, or drops them after a local reply
	Stop
)

func (s Status) String() string {
	if s == Stop {
		return "Stop"
	}
	return "Continue"
}

// StreamInfo describes a finished exchange
type StreamInfo struct {
	// ResponseCode is 0 when no response status was recorded
	ResponseCode  int
	BytesReceived int64
	BytesSent     int64
	EndTime       time.Time

	// ResponseHeader is nil when no response headers were seen
	ResponseHeader http.Header
}
