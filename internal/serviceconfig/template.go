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

package serviceconfig

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segSingle              // {var} or *
	segRest                // {var=**} or **
)

type segment struct {
	kind    segmentKind
	literal string
}

// uriTemplate is a compiled path template such as /v1/shelves/{shelf}/books/**
type uriTemplate struct {
	raw      string
	segments []segment
}

func parseTemplate(raw string) (*uriTemplate, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("path template %q must start with '/'", raw)
	}
	if strings.ContainsAny(raw, "?#") {
		return nil, fmt.Errorf("path template %q must not contain a query or fragment", raw)
	}

	t := &uriTemplate{raw: raw}
	if raw == "/" {
		return t, nil
	}

	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	for i, part := range parts {
		var seg segment
		switch {
		case part == "":
			return nil, fmt.Errorf("path template %q has an empty segment", raw)
		case part == "*":
			seg.kind = segSingle
		case part == "**":
			seg.kind = segRest
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name, pattern, _ := strings.Cut(part[1:len(part)-1], "=")
			if name == "" {
				return nil, fmt.Errorf("path template %q has an unnamed variable", raw)
			}
			switch pattern {
			case "", "*":
				seg.kind = segSingle
			case "**":
				seg.kind = segRest
			default:
				return nil, fmt.Errorf("path template %q: unsupported variable pattern %q", raw, pattern)
			}
		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("path template %q: malformed segment %q", raw, part)
		default:
			seg = segment{kind: segLiteral, literal: part}
		}
		if seg.kind == segRest && i != len(parts)-1 {
			return nil, fmt.Errorf("path template %q: '**' must be the last segment", raw)
		}
		t.segments = append(t.segments, seg)
	}
	return t, nil
}

// match reports whether a request path (query string ignored) fits the template
func (t *uriTemplate) match(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "/")

	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}

	for i, seg := range t.segments {
		if seg.kind == segRest {
			return true
		}
		if i >= len(parts) {
			return false
		}
		if seg.kind == segLiteral && seg.literal != parts[i] {
			return false
		}
		if seg.kind == segSingle && parts[i] == "" {
			return false
		}
	}

	if len(parts) == len(t.segments) {
		return true
	}
	// A single trailing slash is tolerated
	return len(parts) == len(t.segments)+1 && parts[len(parts)-1] == ""
}

func (t *uriTemplate) String() string {
	return t.raw
}
