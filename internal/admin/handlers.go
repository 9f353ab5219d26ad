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
	"log/slog"
	"net/http"
)

// ConfigDumpHandler handles GET /config_dump requests
type ConfigDumpHandler struct {
	source ConfigSource
}

// NewConfigDumpHandler creates a new config dump handler
func NewConfigDumpHandler(source ConfigSource) *ConfigDumpHandler {
	return &ConfigDumpHandler{source: source}
}

// ServeHTTP implements http.Handler
func (h *ConfigDumpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dump := DumpConfig(h.source)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dump); err != nil {
		slog.WarnContext(r.Context(), "Failed to write config dump", "error", err)
	}
}
