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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

const testServices = `
services:
  - name: b.example.com
    service_control_uri: https://sc.example.com/v1/services/
    token:
      type: client_credentials
      token_url: https://auth.example.com/token
      client_id: engine
      client_secret: s3cret
  - name: a.example.com
    service_control_uri: https://sc.example.com/v1/services/
    token: {type: static, value: static-token}
operations:
  - name: b.Get
    service_name: b.example.com
    http_rules: [{method: GET, path: "/b/{id}"}]
    api_key:
      locations:
        - header: x-api-key
  - name: a.List
    service_name: a.example.com
    http_rules: [{method: GET, path: /a}]
`

func newTestResolver(t *testing.T) *serviceconfig.Resolver {
	t.Helper()
	cfg, err := serviceconfig.Parse([]byte(testServices))
	require.NoError(t, err)
	r := serviceconfig.NewResolver()
	require.NoError(t, r.Apply(cfg))
	return r
}

// =============================================================================
// ConfigDumpHandler Tests
// =============================================================================

func TestConfigDumpHandler_MethodNotAllowed(t *testing.T) {
	handler := NewConfigDumpHandler(newTestResolver(t))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/config_dump", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}

func TestConfigDumpHandler_Get(t *testing.T) {
	handler := NewConfigDumpHandler(newTestResolver(t))

	req := httptest.NewRequest(http.MethodGet, "/config_dump", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "static-token")

	var dump ConfigDumpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.False(t, dump.Timestamp.IsZero())

	require.Equal(t, 2, dump.Services.TotalServices)
	assert.Equal(t, "a.example.com", dump.Services.Services[0].Name)
	assert.Equal(t, "b.example.com", dump.Services.Services[1].Name)

	require.Equal(t, 2, dump.Operations.TotalOperations)
	assert.Equal(t, "b.Get", dump.Operations.Operations[0].Name, "declaration order is kept")
	require.Len(t, dump.Operations.Operations[0].APIKey.Locations, 1)
	assert.Equal(t, serviceconfig.KeyHeader, dump.Operations.Operations[0].APIKey.Locations[0].Kind)
}

// =============================================================================
// DumpConfig Tests
// =============================================================================

func TestDumpConfig_RedactsSecrets(t *testing.T) {
	resolver := newTestResolver(t)

	dump := DumpConfig(resolver)

	byName := map[string]serviceconfig.Service{}
	for _, svc := range dump.Services.Services {
		byName[svc.Name] = svc
	}
	assert.Equal(t, redacted, byName["a.example.com"].Token.Value)
	assert.Equal(t, redacted, byName["b.example.com"].Token.ClientSecret)
	assert.Equal(t, "engine", byName["b.example.com"].Token.ClientID)

	// The live configuration keeps its secrets
	assert.Equal(t, "static-token", resolver.FindService("a.example.com").Token.Value)
	assert.Equal(t, "s3cret", resolver.FindService("b.example.com").Token.ClientSecret)
}

func TestDumpConfig_Empty(t *testing.T) {
	dump := DumpConfig(serviceconfig.NewResolver())

	assert.Zero(t, dump.Services.TotalServices)
	assert.NotNil(t, dump.Services.Services)
	assert.Zero(t, dump.Operations.TotalOperations)
	assert.NotNil(t, dump.Operations.Operations)
}
