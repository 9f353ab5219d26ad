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
	"time"

	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

const redacted = "[REDACTED]"

// ConfigSource exposes the active service configuration
type ConfigSource interface {
	Dump() *serviceconfig.Config
}

// ConfigDumpResponse is the body of GET /config_dump
type ConfigDumpResponse struct {
	Timestamp  time.Time      `json:"timestamp"`
	Services   ServicesDump   `json:"services"`
	Operations OperationsDump `json:"operations"`
}

// ServicesDump lists configured services
type ServicesDump struct {
	TotalServices int                     `json:"total_services"`
	Services      []serviceconfig.Service `json:"services"`
}

// OperationsDump lists configured operations in match order
type OperationsDump struct {
	TotalOperations int                       `json:"total_operations"`
	Operations      []serviceconfig.Operation `json:"operations"`
}

// DumpConfig dumps the active configuration with token secrets redacted
func DumpConfig(source ConfigSource) *ConfigDumpResponse {
	cfg := source.Dump()

	services := make([]serviceconfig.Service, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		services = append(services, redactService(svc))
	}

	operations := cfg.Operations
	if operations == nil {
		operations = []serviceconfig.Operation{}
	}

	return &ConfigDumpResponse{
		Timestamp: time.Now(),
		Services: ServicesDump{
			TotalServices: len(services),
			Services:      services,
		},
		Operations: OperationsDump{
			TotalOperations: len(operations),
			Operations:      operations,
		},
	}
}

func redactService(svc serviceconfig.Service) serviceconfig.Service {
	if svc.Token.Value != "" {
		svc.Token.Value = redacted
	}
	if svc.Token.ClientSecret != "" {
		svc.Token.ClientSecret = redacted
	}
	return svc
}
