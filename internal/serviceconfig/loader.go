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
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true, "*": true,
}

// LoadFile reads, parses and validates a services file
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load service config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a services document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse service config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document and compiles every path template.
// Operations may name services that are absent; such requests are
// rejected at runtime as not configured.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if err := svc.validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		seen[svc.Name] = true
	}

	ops := make(map[string]bool, len(c.Operations))
	for i := range c.Operations {
		op := &c.Operations[i]
		if err := op.validate(); err != nil {
			return fmt.Errorf("operations[%d]: %w", i, err)
		}
		if ops[op.Name] {
			return fmt.Errorf("operations[%d]: duplicate operation name %q", i, op.Name)
		}
		ops[op.Name] = true
	}
	return nil
}

func (s *Service) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.ServiceControlURI == "" {
		return fmt.Errorf("service %s: service_control_uri is required", s.Name)
	}
	u, err := url.Parse(s.ServiceControlURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service %s: service_control_uri must be an absolute http(s) URI", s.Name)
	}
	if err := s.Token.validate(); err != nil {
		return fmt.Errorf("service %s: %w", s.Name, err)
	}
	return nil
}

func (t *TokenSource) validate() error {
	switch t.Type {
	case TokenTypeStatic:
		if t.Value == "" {
			return fmt.Errorf("token.value is required for static tokens")
		}
	case TokenTypeClientCredentials:
		if t.TokenURL == "" || t.ClientID == "" {
			return fmt.Errorf("token.token_url and token.client_id are required for client_credentials tokens")
		}
	case TokenTypeMetadata:
		if t.MetadataURL == "" {
			return fmt.Errorf("token.metadata_url is required for metadata tokens")
		}
	default:
		return fmt.Errorf("token.type must be one of static, client_credentials or metadata, got %q", t.Type)
	}
	return nil
}

func (o *Operation) validate() error {
	if o.Name == "" {
		return fmt.Errorf("name is required")
	}
	if o.ServiceName == "" {
		return fmt.Errorf("operation %s: service_name is required", o.Name)
	}
	if len(o.HTTPRules) == 0 {
		return fmt.Errorf("operation %s: at least one http rule is required", o.Name)
	}
	for i := range o.HTTPRules {
		rule := &o.HTTPRules[i]
		rule.Method = strings.ToUpper(rule.Method)
		if !validMethods[rule.Method] {
			return fmt.Errorf("operation %s: http_rules[%d]: invalid method %q", o.Name, i, rule.Method)
		}
		tmpl, err := parseTemplate(rule.Path)
		if err != nil {
			return fmt.Errorf("operation %s: http_rules[%d]: %w", o.Name, i, err)
		}
		rule.template = tmpl
	}
	for i := range o.APIKey.Locations {
		if err := o.APIKey.Locations[i].validate(); err != nil {
			return fmt.Errorf("operation %s: api_key.locations[%d]: %w", o.Name, i, err)
		}
	}
	return nil
}

// Matches reports whether the rule accepts the request method and path
func (r *HTTPRule) Matches(method, path string) bool {
	if r.template == nil {
		return false
	}
	if r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return r.template.match(path)
}
