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
	"net/url"
	"strings"

	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

// ExtractAPIKey tries every source in order. Each source that yields a
// non-empty value overwrites the previous one, so the last match wins.
func ExtractAPIKey(ctx context.Context, sources []serviceconfig.KeySource, path string, header http.Header) string {
	var (
		apiKey string
		query  url.Values
	)

	for _, src := range sources {
		var value string
		switch src.Kind {
		case serviceconfig.KeyQuery:
			if query == nil {
				query = parseQuery(path)
			}
			value = query.Get(src.Name)
		case serviceconfig.KeyHeader:
			value = header.Get(src.Name)
		case serviceconfig.KeyCookie:
			value = cookieValue(header, src.Name)
		default:
			slog.WarnContext(ctx, "Unknown API key location", "kind", string(src.Kind))
			continue
		}

		if value == "" {
			slog.DebugContext(ctx, "API key not found",
				"location", string(src.Kind),
				"name", src.Name)
			continue
		}
		apiKey = value
	}

	return apiKey
}

func parseQuery(path string) url.Values {
	_, rawQuery, found := strings.Cut(path, "?")
	if !found {
		return url.Values{}
	}
	if i := strings.IndexByte(rawQuery, '#'); i >= 0 {
		rawQuery = rawQuery[:i]
	}
	// Malformed pairs are skipped; the well-formed ones are still returned
	values, _ := url.ParseQuery(rawQuery)
	return values
}

func cookieValue(header http.Header, name string) string {
	req := http.Request{Header: header}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
