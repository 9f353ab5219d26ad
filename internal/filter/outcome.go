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

	"github.com/wso2/api-platform/gateway/service-control/internal/constants"
)

// reject finalizes the request with a local reply. Only the first call has
// any effect. Resolution failures (404) are not counted as denials.
func (f *Filter) reject(code int, reason string) {
	if f.state == StateResponded {
		return
	}
	f.state = StateResponded
	f.suspended = false

	if code == http.StatusUnauthorized {
		f.deps.Stats.Denied.Inc()
	}

	slog.DebugContext(f.ctx, "Rejecting request",
		"request_id", f.requestID,
		"code", code,
		"reason", reason)

	f.cb.SetResponseFlag(constants.ResponseFlagUnauthorizedExternalService)
	f.cb.SendLocalReply(code, reason)
}

// allow lets the request through on the normal response path
func (f *Filter) allow() {
	f.deps.Stats.Allowed.Inc()
}
