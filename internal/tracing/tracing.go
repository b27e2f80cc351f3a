// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing builds an in-process OpenTelemetry TracerProvider for
// the server's per-request "http.request" span and the orchestrator's
// "orchestrator.answer" span. Unlike the teacher's
// tracer, no OTLP or stdout exporter is wired: monitoring exporters are
// out of scope per spec.md §1, so spans are created and sampled but never
// shipped off-process — this still exercises the otel/sdk/trace
// dependency surface for in-process span propagation through context
// without building a telemetry pipeline; span ids are not written to logs.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the fixed resource attribute value for every span this
// process emits.
const ServiceName = "ragcore"

// Provider wraps the process-wide TracerProvider and a pre-bound tracer.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider with an always-on sampler and no span exporter.
// Spans still propagate through context; they are not exported anywhere,
// and their trace/span ids are not added to log records.
func New() *Provider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, tracer: tp.Tracer(ServiceName)}
}

// Start begins a new span named name, returning the derived context and
// the span so the caller can set attributes/status and End it.
func (p *Provider) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes and releases the tracer provider's resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
