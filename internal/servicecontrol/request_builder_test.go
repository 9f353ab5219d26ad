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
	"testing"
	"time"

	"cloud.google.com/go/servicecontrol/apiv1/servicecontrolpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ltype "google.golang.org/genproto/googleapis/logging/type"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	testEnd   = testStart.Add(250 * time.Millisecond)
)

func metricValue(t *testing.T, op *servicecontrolpb.Operation, name string) *servicecontrolpb.MetricValue {
	t.Helper()
	for _, set := range op.GetMetricValueSets() {
		if set.GetMetricName() == name {
			require.Len(t, set.GetMetricValues(), 1)
			return set.GetMetricValues()[0]
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func payloadString(entry *servicecontrolpb.LogEntry, key string) string {
	return entry.GetStructPayload().GetFields()[key].GetStringValue()
}

func reportInfo() *ReportRequestInfo {
	return &ReportRequestInfo{
		ServiceName:       "items.example.com",
		OperationID:       "op-1",
		OperationName:     "items.List",
		ProducerProjectID: "producer-1",
		ServiceConfigID:   "2025-03-01r0",
		APIKey:            "abc123",
		RequestStartTime:  testStart,
		RequestEndTime:    testEnd,
		APIMethod:         "items.List",
		APIName:           "items",
		APIVersion:        "v1",
		LogMessage:        "items.List is called",
		URL:               "/v1/items?key=abc123",
		Method:            "GET",
		ResponseCode:      200,
		RequestSize:       120,
		ResponseSize:      2048,
		CheckResponseInfo: CheckResponseInfo{
			IsAPIKeyValid:         true,
			ServiceIsActivated:    true,
			ConsumerProjectNumber: 123456,
		},
	}
}

// =============================================================================
// FillCheckRequest Tests
// =============================================================================

func TestFillCheckRequest(t *testing.T) {
	req := FillCheckRequest(&CheckRequestInfo{
		ServiceName:      "items.example.com",
		OperationID:      "op-1",
		OperationName:    "items.List",
		ServiceConfigID:  "2025-03-01r0",
		APIKey:           "abc123",
		RequestStartTime: testStart,
	})

	assert.Equal(t, "items.example.com", req.GetServiceName())
	assert.Equal(t, "2025-03-01r0", req.GetServiceConfigId())
	op := req.GetOperation()
	require.NotNil(t, op)
	assert.Equal(t, "op-1", op.GetOperationId())
	assert.Equal(t, "items.List", op.GetOperationName())
	assert.Equal(t, "api_key:abc123", op.GetConsumerId())
	assert.Equal(t, testStart, op.GetStartTime().AsTime())
	assert.Equal(t, ServiceAgent, op.GetLabels()[labelServiceAgent])
}

func TestFillCheckRequest_NoKeyOmitsConsumer(t *testing.T) {
	req := FillCheckRequest(&CheckRequestInfo{OperationID: "op-1", RequestStartTime: testStart})

	body, err := protojson.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "consumerId")
	assert.Contains(t, string(body), `"startTime":"2025-03-01T10:00:00Z"`)
}

// =============================================================================
// FillReportRequest Tests
// =============================================================================

func TestFillReportRequest(t *testing.T) {
	req := FillReportRequest(reportInfo())

	assert.Equal(t, "items.example.com", req.GetServiceName())
	require.Len(t, req.GetOperations(), 1)
	op := req.GetOperations()[0]
	assert.Equal(t, "api_key:abc123", op.GetConsumerId())
	assert.Equal(t, testEnd, op.GetEndTime().AsTime())
	assert.Equal(t, "200", op.GetLabels()[labelResponseCode])
	assert.Equal(t, "2xx", op.GetLabels()[labelResponseClass])
	assert.Equal(t, "0", op.GetLabels()[labelStatusCode])
	assert.Equal(t, "v1", op.GetLabels()[labelAPIVersion])
	assert.Equal(t, "123456", op.GetLabels()[labelConsumerProject])

	assert.Equal(t, int64(1), metricValue(t, op, metricRequestCount).GetInt64Value())
	assert.Equal(t, int64(120), metricValue(t, op, metricRequestSizes).GetInt64Value())
	assert.Equal(t, int64(2048), metricValue(t, op, metricResponseSizes).GetInt64Value())
	assert.InDelta(t, 0.25, metricValue(t, op, metricTotalLatencies).GetDoubleValue(), 1e-9)

	require.Len(t, op.GetLogEntries(), 1)
	entry := op.GetLogEntries()[0]
	assert.Equal(t, EndpointsLogName, entry.GetName())
	assert.Equal(t, ltype.LogSeverity_INFO, entry.GetSeverity())
	assert.Equal(t, "abc123", payloadString(entry, "api_key"))
	assert.Equal(t, "GET", payloadString(entry, "http_method"))
	assert.Equal(t, "/v1/items?key=abc123", payloadString(entry, "url"))
	assert.Equal(t, "items.List is called", payloadString(entry, "log_message"))
	assert.Equal(t, float64(200), entry.GetStructPayload().GetFields()["http_response_code"].GetNumberValue())
	assert.NotContains(t, entry.GetStructPayload().GetFields(), "error_cause")
	assert.NotContains(t, entry.GetStructPayload().GetFields(), "request_headers")
	assert.NotContains(t, entry.GetStructPayload().GetFields(), "response_headers")

	_, err := protojson.Marshal(req)
	require.NoError(t, err)
}

func TestFillReportRequest_NoConsumerProjectWithoutCheck(t *testing.T) {
	info := reportInfo()
	info.CheckResponseInfo = CheckResponseInfo{}

	op := FillReportRequest(info).GetOperations()[0]
	assert.NotContains(t, op.GetLabels(), labelConsumerProject)
}

func TestFillReportRequest_LoggedHeaders(t *testing.T) {
	info := reportInfo()
	info.RequestHeaders = "Fake-Header-Key0=FakeHeaderVal0;Fake-Header-Key1=FakeHeaderVal1;"
	info.ResponseHeaders = "Echo-Fake-Header-Key0=FakeHeaderVal0;"

	entry := FillReportRequest(info).GetOperations()[0].GetLogEntries()[0]
	assert.Equal(t, "Fake-Header-Key0=FakeHeaderVal0;Fake-Header-Key1=FakeHeaderVal1;", payloadString(entry, "request_headers"))
	assert.Equal(t, "Echo-Fake-Header-Key0=FakeHeaderVal0;", payloadString(entry, "response_headers"))
}

func TestFillReportRequest_NoKeyAndFailedCheck(t *testing.T) {
	req := FillReportRequest(&ReportRequestInfo{
		OperationID:      "op-2",
		OperationName:    "items.List",
		RequestStartTime: testStart,
		RequestEndTime:   testEnd,
		ResponseCode:     401,
		Status:           status.Error(codes.InvalidArgument, "API key not valid. Please pass a valid API key."),
	})

	op := req.GetOperations()[0]
	assert.Empty(t, op.GetConsumerId())
	assert.Equal(t, "4xx", op.GetLabels()[labelResponseClass])
	assert.Equal(t, "3", op.GetLabels()[labelStatusCode])

	entry := op.GetLogEntries()[0]
	assert.Equal(t, ltype.LogSeverity_ERROR, entry.GetSeverity())
	assert.NotContains(t, entry.GetStructPayload().GetFields(), "api_key")
	assert.Equal(t, "API key not valid. Please pass a valid API key.", payloadString(entry, "error_cause"))

	body, err := protojson.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "api_key:")
}

func TestFillReportRequest_InvalidUTF8IsEncodable(t *testing.T) {
	info := reportInfo()
	info.URL = "/v1/items/\xff"

	_, err := protojson.Marshal(FillReportRequest(info))
	assert.NoError(t, err)
}

func TestResponseCodeClass(t *testing.T) {
	assert.Equal(t, "2xx", responseCodeClass(204))
	assert.Equal(t, "5xx", responseCodeClass(500))
	assert.Equal(t, "5xx", responseCodeClass(0))
}

// =============================================================================
// ParseCheckResponse / ConvertCheckResponse Tests
// =============================================================================

func TestParseCheckResponse(t *testing.T) {
	resp, err := ParseCheckResponse([]byte(`{
		"operationId": "op-1",
		"checkInfo": {"consumerInfo": {"projectNumber": "123456"}},
		"unknownField": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, "op-1", resp.GetOperationId())

	var info CheckResponseInfo
	require.NoError(t, ConvertCheckResponse(resp, "items.example.com", &info))
	assert.True(t, info.IsAPIKeyValid)
	assert.True(t, info.ServiceIsActivated)
	assert.Equal(t, int64(123456), info.ConsumerProjectNumber)
}

func TestParseCheckResponse_BareProjectNumber(t *testing.T) {
	resp, err := ParseCheckResponse([]byte(`{"checkInfo": {"consumerInfo": {"projectNumber": 42}}}`))
	require.NoError(t, err)

	var info CheckResponseInfo
	require.NoError(t, ConvertCheckResponse(resp, "svc", &info))
	assert.Equal(t, int64(42), info.ConsumerProjectNumber)
}

func TestParseCheckResponse_ErrorCode(t *testing.T) {
	resp, err := ParseCheckResponse([]byte(`{"checkErrors": [{"code": "API_KEY_INVALID", "detail": "bad"}]}`))
	require.NoError(t, err)
	require.Len(t, resp.GetCheckErrors(), 1)
	assert.Equal(t, servicecontrolpb.CheckError_API_KEY_INVALID, resp.GetCheckErrors()[0].GetCode())
}

func TestParseCheckResponse_Malformed(t *testing.T) {
	for _, body := range []string{"", "not json", "null", "true", `"x"`, "123", `{"checkErrors": "x"}`} {
		_, err := ParseCheckResponse([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestConvertCheckResponse_Errors(t *testing.T) {
	tests := []struct {
		code          servicecontrolpb.CheckError_Code
		wantCode      codes.Code
		keyValid      bool
		serviceActive bool
	}{
		{servicecontrolpb.CheckError_API_KEY_NOT_FOUND, codes.InvalidArgument, false, true},
		{servicecontrolpb.CheckError_API_KEY_EXPIRED, codes.InvalidArgument, false, true},
		{servicecontrolpb.CheckError_API_KEY_INVALID, codes.InvalidArgument, false, true},
		{servicecontrolpb.CheckError_SERVICE_NOT_ACTIVATED, codes.PermissionDenied, true, false},
		{servicecontrolpb.CheckError_PERMISSION_DENIED, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_IP_ADDRESS_BLOCKED, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_REFERER_BLOCKED, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_CLIENT_APP_BLOCKED, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_BILLING_DISABLED, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_CONSUMER_INVALID, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_INVALID_CREDENTIAL, codes.PermissionDenied, true, true},
		{servicecontrolpb.CheckError_NOT_FOUND, codes.InvalidArgument, true, true},
		{servicecontrolpb.CheckError_PROJECT_DELETED, codes.InvalidArgument, true, true},
		{servicecontrolpb.CheckError_PROJECT_INVALID, codes.InvalidArgument, true, true},
		{servicecontrolpb.CheckError_NAMESPACE_LOOKUP_UNAVAILABLE, codes.Unavailable, true, true},
		{servicecontrolpb.CheckError_SERVICE_STATUS_UNAVAILABLE, codes.Unavailable, true, true},
		{servicecontrolpb.CheckError_Code(9999), codes.Internal, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			resp := &servicecontrolpb.CheckResponse{
				CheckErrors: []*servicecontrolpb.CheckError{{Code: tt.code, Detail: "detail"}},
			}

			var info CheckResponseInfo
			err := ConvertCheckResponse(resp, "items.example.com", &info)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.Equal(t, tt.keyValid, info.IsAPIKeyValid)
			assert.Equal(t, tt.serviceActive, info.ServiceIsActivated)
		})
	}
}

func TestConvertCheckResponse_ServiceNameInMessage(t *testing.T) {
	resp := &servicecontrolpb.CheckResponse{
		CheckErrors: []*servicecontrolpb.CheckError{{Code: servicecontrolpb.CheckError_SERVICE_NOT_ACTIVATED}},
	}

	var info CheckResponseInfo
	err := ConvertCheckResponse(resp, "items.example.com", &info)
	assert.Contains(t, status.Convert(err).Message(), "items.example.com")
}
