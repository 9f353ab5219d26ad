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
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
)

// Resolver maps requests to operations and services from the active
// service configuration
type Resolver struct {
	mu sync.RWMutex

	// Operations in declaration order; the first matching rule wins
	operations []*Operation

	// Key: service name
	services map[string]*Service
}

// NewResolver creates an empty resolver; every lookup misses until Apply
func NewResolver() *Resolver {
	return &Resolver{
		services: make(map[string]*Service),
	}
}

// Apply validates cfg and replaces the whole configuration atomically.
// On error the previous configuration stays active.
func (r *Resolver) Apply(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	services := make(map[string]*Service, len(cfg.Services))
	for i := range cfg.Services {
		svc := cfg.Services[i]
		services[svc.Name] = &svc
	}

	operations := make([]*Operation, 0, len(cfg.Operations))
	for i := range cfg.Operations {
		op := cfg.Operations[i]
		if _, ok := services[op.ServiceName]; !ok {
			slog.Warn("Operation references an unknown service",
				"operation", op.Name,
				"service", op.ServiceName)
		}
		operations = append(operations, &op)
	}

	r.mu.Lock()
	r.services = services
	r.operations = operations
	r.mu.Unlock()

	metrics.ServicesLoaded.Set(float64(len(services)))
	slog.InfoContext(context.Background(), "Applied service configuration",
		"services", len(services),
		"operations", len(operations))
	return nil
}

// FindOperation returns the first operation with a rule matching method and
// path, or nil when none matches
func (r *Resolver) FindOperation(method, path string) *Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, op := range r.operations {
		for i := range op.HTTPRules {
			if op.HTTPRules[i].Matches(method, path) {
				return op
			}
		}
	}
	return nil
}

// FindService returns the named service, or nil when it is not configured
func (r *Resolver) FindService(name string) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.services[name]
}

// Dump returns a copy of the active configuration for debugging
func (r *Resolver) Dump() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dump := &Config{
		Services:   make([]Service, 0, len(r.services)),
		Operations: make([]Operation, 0, len(r.operations)),
	}
	for _, svc := range r.services {
		dump.Services = append(dump.Services, *svc)
	}
	sort.Slice(dump.Services, func(i, j int) bool {
		return dump.Services[i].Name < dump.Services[j].Name
	})
	for _, op := range r.operations {
		dump.Operations = append(dump.Operations, *op)
	}
	return dump
}
