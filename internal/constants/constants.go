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

package constants

const (
	// DynamicMetadataNamespace is the namespace used for metadata emitted on rejections
	DynamicMetadataNamespace = "api_platform.service_control"

	// ResponseFlagUnauthorizedExternalService mirrors Envoy's UAEX response flag
	ResponseFlagUnauthorizedExternalService = "UAEX"

	// Tracing Span Names
	SpanExternalProcessingProcess = "external_processing.process"
	SpanProcessRequestHeaders     = "external_processing.process_request_headers"
	SpanProcessRequestBody        = "external_processing.process_request_body"
	SpanProcessRequestTrailers    = "external_processing.process_request_trailers"
	SpanProcessResponseHeaders    = "external_processing.process_response_headers"
	SpanProcessResponseBody       = "external_processing.process_response_body"
	SpanProcessResponseTrailers   = "external_processing.process_response_trailers"

	// Tracing Attributes
	AttrRequestID      = "request_id"
	AttrMethod         = "http.method"
	AttrPath           = "http.path"
	AttrOperationName  = "operation_name"
	AttrServiceName    = "service_name"
	AttrFilterState    = "service_control.state"
	AttrResponseStatus = "http.status_code"
)
