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
	"github.com/prometheus/client_golang/prometheus"
)

// Enabled is set once at startup via SetEnabled.
var Enabled bool

// SetEnabled must be called before Init.
func SetEnabled(e bool) {
	Enabled = e
}

// Counter is the part of prometheus.Counter the engine calls.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram is the part of prometheus.Histogram the engine calls.
type Histogram interface {
	Observe(float64)
}

// Gauge is the part of prometheus.Gauge the engine calls.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Vec selects a child metric by label values.
type Vec[M any] interface {
	WithLabelValues(labels ...string) M
}

type (
	CounterVec   = Vec[Counter]
	HistogramVec = Vec[Histogram]
)

type noopMetric struct{}

func (noopMetric) Inc()            {}
func (noopMetric) Dec()            {}
func (noopMetric) Add(float64)     {}
func (noopMetric) Set(float64)     {}
func (noopMetric) Observe(float64) {}

type noopVec[M any] struct {
	child M
}

func (n noopVec[M]) WithLabelValues(...string) M { return n.child }

// labeled narrows a prometheus vector to Vec while keeping it collectable.
type labeled[M any] struct {
	prometheus.Collector
	child func(...string) M
}

func (l labeled[M]) WithLabelValues(labels ...string) M { return l.child(labels...) }

func newCounter(opts prometheus.CounterOpts) Counter {
	if !Enabled {
		return noopMetric{}
	}
	return prometheus.NewCounter(opts)
}

func newCounterVec(opts prometheus.CounterOpts, labelNames []string) CounterVec {
	if !Enabled {
		return noopVec[Counter]{child: noopMetric{}}
	}
	v := prometheus.NewCounterVec(opts, labelNames)
	return labeled[Counter]{Collector: v, child: func(l ...string) Counter { return v.WithLabelValues(l...) }}
}

func newHistogram(opts prometheus.HistogramOpts) Histogram {
	if !Enabled {
		return noopMetric{}
	}
	return prometheus.NewHistogram(opts)
}

func newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) HistogramVec {
	if !Enabled {
		return noopVec[Histogram]{child: noopMetric{}}
	}
	v := prometheus.NewHistogramVec(opts, labelNames)
	return labeled[Histogram]{Collector: v, child: func(l ...string) Histogram { return v.WithLabelValues(l...) }}
}

func newGauge(opts prometheus.GaugeOpts) Gauge {
	if !Enabled {
		return noopMetric{}
	}
	return prometheus.NewGauge(opts)
}
