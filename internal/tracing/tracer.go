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

package tracing

import (
	"cmp"
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/wso2/api-platform/gateway/service-control/internal/config"
)

// InstrumentationName names the tracer used for ext_proc and call spans
const InstrumentationName = "github.com/wso2/api-platform/gateway/service-control"

const shutdownTimeout = 5 * time.Second

func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// InitTracer installs an OTLP/gRPC tracer provider and the W3C propagators.
// cfg is expected to have passed Validate. The returned function flushes
// and stops the provider.
func InitTracer(cfg *config.Config) (func(), error) {
	ctx := context.Background()
	if cfg == nil || !cfg.TracingConfig.Enabled {
		slog.InfoContext(ctx, "Tracing is disabled by configuration")
		return func() {}, nil
	}
	tc := cfg.TracingConfig

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg.ServiceControl.TracingServiceName, tc.ServiceVersion)
	if err != nil {
		stop(exporter.Shutdown)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(tc.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(tc.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.InfoContext(ctx, "OpenTelemetry tracer initialized", "endpoint", tc.Endpoint, "sampling_rate", tc.SamplingRate)
	return func() { stop(tp.Shutdown) }, nil
}

func stop(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "Error shutting down tracing", "error", err)
	}
}

func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cmp.Or(serviceName, "service-control")),
			semconv.ServiceVersion(cmp.Or(serviceVersion, "1.0.0")),
		),
	)
}

// newSampler samples everything unless a rate in (0, 1) is configured
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0.0 || rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// metadataCarrier lets the propagator read gRPC metadata directly.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTraceContext continues the caller's trace from the incoming
// traceparent, tracestate and baggage metadata.
func ExtractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
}
