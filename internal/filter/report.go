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
	"log/slog"
	"net/http"
	"strings"

	"github.com/wso2/api-platform/gateway/service-control/internal/servicecontrol"
)

// Log sends the usage report once the exchange has finished. It runs at
// most once and does nothing when the operation or service never resolved.
// The report is fire-and-forget and never touches filter state afterwards.
func (f *Filter) Log(info StreamInfo) {
	if f.logged {
		return
	}
	f.logged = true

	if f.operation == nil || f.service == nil {
		slog.DebugContext(f.ctx, "Skipping report, request was not resolved", "request_id", f.requestID)
		return
	}

	req := servicecontrol.FillReportRequest(f.buildReportInfo(info))

	svc := f.service
	ctx := f.ctx
	requestID := f.requestID
	send := func(token string) {
		f.deps.Calls.Call(svc.ServiceControlURI, svc.Name+reportSuffix, token, req, func(err error, _ []byte) {
			if err != nil {
				slog.WarnContext(ctx, "Report call failed",
					"request_id", requestID,
					"service", svc.Name,
					"error", err)
				return
			}
			slog.DebugContext(ctx, "Report sent", "request_id", requestID, "service", svc.Name)
		})
	}

	if f.token != "" {
		send(f.token)
		return
	}

	// Bypassed and token-failed requests have no token yet
	f.deps.Tokens.FetchToken(svc.Name, func(err error, token string) {
		if err != nil {
			slog.WarnContext(ctx, "Dropping report, access token unavailable",
				"request_id", requestID,
				"service", svc.Name,
				"error", err)
			return
		}
		send(token)
	})
}

func (f *Filter) buildReportInfo(info StreamInfo) *servicecontrol.ReportRequestInfo {
	endTime := info.EndTime
	if endTime.IsZero() {
		endTime = f.deps.Now()
	}

	responseCode := info.ResponseCode
	if responseCode == 0 {
		responseCode = 500
	}

	ri := &servicecontrol.ReportRequestInfo{
		ServiceName:       f.service.Name,
		OperationID:       f.requestID,
		OperationName:     f.operationName,
		ProducerProjectID: f.service.ProducerProjectID,
		ServiceConfigID:   f.service.ServiceConfigID,
		RequestStartTime:  f.startTime,
		RequestEndTime:    endTime,
		APIMethod:         f.operationName,
		APIName:           f.apiName,
		APIVersion:        f.apiVersion,
		LogMessage:        f.operationName + " is called",
		URL:               f.path,
		Method:            f.httpMethod,
		ResponseCode:      responseCode,
		RequestSize:       info.BytesReceived,
		ResponseSize:      info.BytesSent,
		RequestHeaders:    f.requestHeaders,
		ResponseHeaders:   formatHeaders(f.deps.LogHeaders.Response, info.ResponseHeader),
	}

	if f.checkOutcome != nil {
		ri.CheckResponseInfo = f.checkOutcome.Info
		ri.Status = f.checkOutcome.Status
		if f.checkOutcome.Info.IsAPIKeyValid && f.checkOutcome.Info.ServiceIsActivated {
			ri.APIKey = f.apiKey
		}
	}
	return ri
}

// formatHeaders renders the named headers present in header as
// "Name=value;" pairs. Repeated values are joined with commas.
func formatHeaders(names []string, header http.Header) string {
	if len(names) == 0 || len(header) == 0 {
		return ""
	}
	var b strings.Builder
	for _, name := range names {
		values := header.Values(name)
		if len(values) == 0 {
			continue
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte(';')
	}
	return b.String()
}
