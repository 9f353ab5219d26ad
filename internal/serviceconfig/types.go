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

	"gopkg.in/yaml.v3"
)

// Token source types
const (
	TokenTypeStatic            = "static"
	TokenTypeClientCredentials = "client_credentials"
	TokenTypeMetadata          = "metadata"
)

// Config is the root of the services file
type Config struct {
	Services   []Service   `yaml:"services" json:"services"`
	Operations []Operation `yaml:"operations" json:"operations"`
}

// Service is a producer whose operations are checked and reported against
// its service control endpoint
type Service struct {
	Name              string `yaml:"name" json:"name"`
	ProducerProjectID string `yaml:"producer_project_id" json:"producer_project_id"`

	// ServiceControlURI is the base URI; ":check" and ":report" calls go to
	// ServiceControlURI + Name + suffix
	ServiceControlURI string `yaml:"service_control_uri" json:"service_control_uri"`

	ServiceConfigID string      `yaml:"service_config_id" json:"service_config_id,omitempty"`
	Token           TokenSource `yaml:"token" json:"token"`
}

// TokenSource describes how the engine authenticates itself to the
// service control endpoint
type TokenSource struct {
	Type string `yaml:"type" json:"type"`

	// static
	Value string `yaml:"value" json:"value,omitempty"`

	// client_credentials
	TokenURL     string   `yaml:"token_url" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`

	// metadata
	MetadataURL string `yaml:"metadata_url" json:"metadata_url,omitempty"`
}

// Operation is an API method a request can resolve to
type Operation struct {
	Name        string       `yaml:"name" json:"name"`
	ServiceName string       `yaml:"service_name" json:"service_name"`
	APIName     string       `yaml:"api_name" json:"api_name"`
	APIVersion  string       `yaml:"api_version" json:"api_version"`
	HTTPRules   []HTTPRule   `yaml:"http_rules" json:"http_rules"`
	APIKey      APIKeyPolicy `yaml:"api_key" json:"api_key"`
}

// HTTPRule binds an HTTP method and URI template to an operation.
// Method "*" matches any method.
type HTTPRule struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`

	template *uriTemplate
}

// APIKeyPolicy controls where API keys are looked up for an operation
type APIKeyPolicy struct {
	AllowWithoutAPIKey bool        `yaml:"allow_without_api_key" json:"allow_without_api_key"`
	Locations          []KeySource `yaml:"locations" json:"locations,omitempty"`
}

// KeyKind tags where a KeySource reads the key from
type KeyKind string

const (
	KeyQuery  KeyKind = "query"
	KeyHeader KeyKind = "header"
	KeyCookie KeyKind = "cookie"
)

// KeySource is one declared API key location
type KeySource struct {
	Kind KeyKind `json:"kind"`
	Name string  `json:"name"`
}

// UnmarshalYAML decodes a single-entry mapping such as `query: key`
func (k *KeySource) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("line %d: api key location must be a mapping: %w", node.Line, err)
	}
	if len(m) != 1 {
		return fmt.Errorf("line %d: api key location must set exactly one of query, header or cookie", node.Line)
	}
	for kind, name := range m {
		k.Kind = KeyKind(kind)
		k.Name = name
	}
	return k.validate()
}

// MarshalYAML writes the single-entry mapping form
func (k KeySource) MarshalYAML() (any, error) {
	return map[string]string{string(k.Kind): k.Name}, nil
}

func (k *KeySource) validate() error {
	switch k.Kind {
	case KeyQuery, KeyHeader, KeyCookie:
	default:
		return fmt.Errorf("unknown api key location %q", k.Kind)
	}
	if k.Name == "" {
		return fmt.Errorf("api key location %s requires a name", k.Kind)
	}
	return nil
}
