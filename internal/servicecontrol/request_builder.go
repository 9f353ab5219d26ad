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

package servicecontrol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/servicecontrol/apiv1/servicecontrolpb"
	ltype "google.golang.org/genproto/googleapis/logging/type"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	// ServiceAgent identifies the engine in check and report labels
	ServiceAgent = "api-platform-service-control/1.0"

	// EndpointsLogName is the log name used for reported log entries
	EndpointsLogName = "endpoints_log"

	labelServiceAgent    = "servicecontrol.googleapis.com/service_agent"
	labelProtocol        = "/protocol"
	labelResponseCode    = "/response_code"
	labelResponseClass   = "/response_code_class"
	labelStatusCode      = "/status_code"
	labelAPIMethod       = "serviceruntime.googleapis.com/api_method"
	labelAPIVersion      = "serviceruntime.googleapis.com/api_version"
	labelConsumerProject = "serviceruntime.googleapis.com/consumer_project"

	metricRequestCount   = "serviceruntime.googleapis.com/api/consumer/request_count"
	metricRequestSizes   = "serviceruntime.googleapis.com/api/consumer/request_sizes"
	metricResponseSizes  = "serviceruntime.googleapis.com/api/consumer/response_sizes"
	metricTotalLatencies = "serviceruntime.googleapis.com/api/consumer/total_latencies"
)

var checkResponseOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// FillCheckRequest builds the :check body for info
func FillCheckRequest(info *CheckRequestInfo) *servicecontrolpb.CheckRequest {
	return &servicecontrolpb.CheckRequest{
		ServiceName:     info.ServiceName,
		ServiceConfigId: info.ServiceConfigID,
		Operation: &servicecontrolpb.Operation{
			OperationId:   info.OperationID,
			OperationName: info.OperationName,
			ConsumerId:    consumerID(info.APIKey),
			StartTime:     timestamp(info.RequestStartTime),
			Labels: map[string]string{
				labelServiceAgent: ServiceAgent,
			},
		},
	}
}

// FillReportRequest builds the :report body for info
func FillReportRequest(info *ReportRequestInfo) *servicecontrolpb.ReportRequest {
	code := status.Code(info.Status)
	labels := map[string]string{
		labelServiceAgent:  ServiceAgent,
		labelProtocol:      "http",
		labelResponseCode:  strconv.Itoa(info.ResponseCode),
		labelResponseClass: responseCodeClass(info.ResponseCode),
		labelStatusCode:    strconv.Itoa(int(code)),
		labelAPIMethod:     info.APIMethod,
		labelAPIVersion:    info.APIVersion,
	}
	if n := info.CheckResponseInfo.ConsumerProjectNumber; n > 0 {
		labels[labelConsumerProject] = strconv.FormatInt(n, 10)
	}

	op := &servicecontrolpb.Operation{
		OperationId:   info.OperationID,
		OperationName: info.OperationName,
		ConsumerId:    consumerID(info.APIKey),
		StartTime:     timestamp(info.RequestStartTime),
		EndTime:       timestamp(info.RequestEndTime),
		Labels:        labels,
		MetricValueSets: []*servicecontrolpb.MetricValueSet{
			int64Metric(metricRequestCount, 1),
			int64Metric(metricRequestSizes, info.RequestSize),
			int64Metric(metricResponseSizes, info.ResponseSize),
			doubleMetric(metricTotalLatencies, latencySeconds(info)),
		},
		LogEntries: []*servicecontrolpb.LogEntry{buildLogEntry(info, code)},
	}
	return &servicecontrolpb.ReportRequest{
		ServiceName:     info.ServiceName,
		ServiceConfigId: info.ServiceConfigID,
		Operations:      []*servicecontrolpb.Operation{op},
	}
}

func buildLogEntry(info *ReportRequestInfo, code codes.Code) *servicecontrolpb.LogEntry {
	fields := map[string]*structpb.Value{
		"producer_project_id":    stringValue(info.ProducerProjectID),
		"api_name":               stringValue(info.APIName),
		"api_version":            stringValue(info.APIVersion),
		"api_method":             stringValue(info.APIMethod),
		"log_message":            stringValue(info.LogMessage),
		"http_method":            stringValue(info.Method),
		"url":                    stringValue(info.URL),
		"http_response_code":     structpb.NewNumberValue(float64(info.ResponseCode)),
		"request_size_in_bytes":  structpb.NewNumberValue(float64(info.RequestSize)),
		"response_size_in_bytes": structpb.NewNumberValue(float64(info.ResponseSize)),
		"timestamp":              structpb.NewNumberValue(float64(info.RequestEndTime.UnixNano()) / 1e9),
	}
	if info.APIKey != "" {
		fields["api_key"] = stringValue(info.APIKey)
	}
	if info.RequestHeaders != "" {
		fields["request_headers"] = stringValue(info.RequestHeaders)
	}
	if info.ResponseHeaders != "" {
		fields["response_headers"] = stringValue(info.ResponseHeaders)
	}

	severity := ltype.LogSeverity_INFO
	if info.ResponseCode >= 400 {
		severity = ltype.LogSeverity_ERROR
	}
	if code != codes.OK {
		severity = ltype.LogSeverity_ERROR
		fields["error_cause"] = stringValue(status.Convert(info.Status).Message())
	}

	return &servicecontrolpb.LogEntry{
		Name:      EndpointsLogName,
		Timestamp: timestamp(info.RequestEndTime),
		Severity:  severity,
		Payload: &servicecontrolpb.LogEntry_StructPayload{
			StructPayload: &structpb.Struct{Fields: fields},
		},
	}
}

// ParseCheckResponse decodes a raw :check body. Unknown fields are
// ignored; anything other than a JSON object is an error.
func ParseCheckResponse(body []byte) (*servicecontrolpb.CheckResponse, error) {
	resp := &servicecontrolpb.CheckResponse{}
	if err := checkResponseOptions.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("failed to parse check response: %w", err)
	}
	return resp, nil
}

// ConvertCheckResponse translates resp into info and a status error.
// A nil error means the request may proceed. Only the first check error
// is considered.
func ConvertCheckResponse(resp *servicecontrolpb.CheckResponse, serviceName string, info *CheckResponseInfo) error {
	// Assume valid until a check error says otherwise
	info.IsAPIKeyValid = true
	info.ServiceIsActivated = true
	info.ConsumerProjectNumber = resp.GetCheckInfo().GetConsumerInfo().GetProjectNumber()

	if len(resp.GetCheckErrors()) == 0 {
		return nil
	}

	checkErr := resp.GetCheckErrors()[0]
	detail := checkErr.GetDetail()
	switch checkErr.GetCode() {
	case servicecontrolpb.CheckError_NOT_FOUND:
		return status.Error(codes.InvalidArgument, "Client project not found. Please pass a valid project.")
	case servicecontrolpb.CheckError_API_KEY_NOT_FOUND:
		info.IsAPIKeyValid = false
		return status.Error(codes.InvalidArgument, "API key not found. Please pass a valid API key.")
	case servicecontrolpb.CheckError_API_KEY_EXPIRED:
		info.IsAPIKeyValid = false
		return status.Error(codes.InvalidArgument, "API key expired. Please renew the API key.")
	case servicecontrolpb.CheckError_API_KEY_INVALID:
		info.IsAPIKeyValid = false
		return status.Error(codes.InvalidArgument, "API key not valid. Please pass a valid API key.")
	case servicecontrolpb.CheckError_PROJECT_DELETED:
		return status.Error(codes.InvalidArgument, "Project has been deleted.")
	case servicecontrolpb.CheckError_PROJECT_INVALID:
		return status.Error(codes.InvalidArgument, "Client project not valid. Please pass a valid project.")
	case servicecontrolpb.CheckError_SERVICE_NOT_ACTIVATED:
		info.ServiceIsActivated = false
		return status.Errorf(codes.PermissionDenied,
			"API %s is not enabled for the project.", serviceName)
	case servicecontrolpb.CheckError_PERMISSION_DENIED:
		return status.Errorf(codes.PermissionDenied, "Permission denied: %s", detail)
	case servicecontrolpb.CheckError_IP_ADDRESS_BLOCKED,
		servicecontrolpb.CheckError_REFERER_BLOCKED,
		servicecontrolpb.CheckError_CLIENT_APP_BLOCKED:
		return status.Error(codes.PermissionDenied, detail)
	case servicecontrolpb.CheckError_BILLING_DISABLED:
		return status.Errorf(codes.PermissionDenied,
			"API %s has billing disabled. Please enable it.", serviceName)
	case servicecontrolpb.CheckError_CONSUMER_INVALID:
		return status.Error(codes.PermissionDenied, "The consumer is not valid.")
	case servicecontrolpb.CheckError_INVALID_CREDENTIAL:
		return status.Error(codes.PermissionDenied, "The credential in the request can not be verified.")
	}

	name := checkErr.GetCode().String()
	if strings.HasSuffix(name, "_UNAVAILABLE") {
		return status.Errorf(codes.Unavailable, "Service control check unavailable: %s", name)
	}
	return status.Errorf(codes.Internal, "Request blocked due to unsupported error code: %s", name)
}

func consumerID(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	return "api_key:" + apiKey
}

func timestamp(t time.Time) *timestamppb.Timestamp {
	if t.IsZero() {
		t = time.Now()
	}
	return timestamppb.New(t)
}

// stringValue replaces invalid UTF-8, which protojson refuses to encode
func stringValue(s string) *structpb.Value {
	return structpb.NewStringValue(strings.ToValidUTF8(s, "�"))
}

func responseCodeClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return fmt.Sprintf("%dxx", code/100)
}

func latencySeconds(info *ReportRequestInfo) float64 {
	if info.RequestStartTime.IsZero() || info.RequestEndTime.Before(info.RequestStartTime) {
		return 0
	}
	return info.RequestEndTime.Sub(info.RequestStartTime).Seconds()
}

func int64Metric(name string, v int64) *servicecontrolpb.MetricValueSet {
	return &servicecontrolpb.MetricValueSet{
		MetricName: name,
		MetricValues: []*servicecontrolpb.MetricValue{{
			Value: &servicecontrolpb.MetricValue_Int64Value{Int64Value: v},
		}},
	}
}

func doubleMetric(name string, v float64) *servicecontrolpb.MetricValueSet {
	return &servicecontrolpb.MetricValueSet{
		MetricName: name,
		MetricValues: []*servicecontrolpb.MetricValue{{
			Value: &servicecontrolpb.MetricValue_DoubleValue{DoubleValue: v},
		}},
	}
}
