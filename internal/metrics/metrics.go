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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "service_control"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	// AllowedTotal and DeniedTotal are the two request outcome counters
	AllowedTotal Counter
	DeniedTotal  Counter

	RequestsTotal          CounterVec
	RequestDurationSeconds HistogramVec

	CheckCallsTotal      CounterVec
	CheckDurationSeconds Histogram
	ReportCallsTotal     CounterVec
	TokenFetchTotal      CounterVec

	ActiveStreams                Gauge
	StreamErrorsTotal            CounterVec
	OperationLookupFailuresTotal CounterVec
	ServicesLoaded               Gauge

	Up Gauge
)

// Package variables hold noop instances until Init runs, so callers never
// see a nil metric.
func init() {
	initMetrics()
}

// initMetrics creates the metric variables. SetEnabled must run first so
// that disabled builds receive noop instances.
func initMetrics() {
	AllowedTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowed_total",
			Help:      "Total number of requests allowed to proceed",
		},
	)

	DeniedTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denied_total",
			Help:      "Total number of requests denied as unauthorized",
		},
	)

	RequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of ext_proc messages processed",
		},
		[]string{"phase"},
	)

	RequestDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of ext_proc message handling in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"phase"},
	)

	CheckCallsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_calls_total",
			Help:      "Total number of :check calls by result",
		},
		[]string{"result"},
	)

	CheckDurationSeconds = newHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Round trip time of :check calls in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	ReportCallsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_calls_total",
			Help:      "Total number of :report calls by result",
		},
		[]string{"result"},
	)

	TokenFetchTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_fetch_total",
			Help:      "Total number of access token fetches",
		},
		[]string{"service", "result"},
	)

	ActiveStreams = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of active ext_proc streams",
		},
	)

	StreamErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of gRPC stream errors",
		},
		[]string{"error_type"},
	)

	OperationLookupFailuresTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_lookup_failures_total",
			Help:      "Total number of requests whose operation or service could not be resolved",
		},
		[]string{"reason"},
	)

	ServicesLoaded = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_loaded",
			Help:      "Number of services in the active service configuration",
		},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Service control engine liveness indicator (1=up, 0=down)",
		},
	)
}

// register skips noop instances, which are not collectors.
func register(m any) {
	if c, ok := m.(prometheus.Collector); ok {
		// Duplicate registration is ignored
		_ = registry.Register(c)
	}
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, m := range []any{
		AllowedTotal,
		DeniedTotal,
		RequestsTotal,
		RequestDurationSeconds,
		CheckCallsTotal,
		CheckDurationSeconds,
		ReportCallsTotal,
		TokenFetchTotal,
		ActiveStreams,
		StreamErrorsTotal,
		OperationLookupFailuresTotal,
		ServicesLoaded,
		Up,
	} {
		register(m)
	}

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()

		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}
