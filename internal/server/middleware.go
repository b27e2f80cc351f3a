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

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kpekel/ragcore/internal/metrics"
	"github.com/kpekel/ragcore/internal/tracing"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// metrics, the way the teacher's transport.responseWriter does for its own
// HTTP metrics middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// instrumentation wraps every request with a trace span and Prometheus
// HTTP metrics, reading the matched route pattern from chi's route
// context rather than the raw (parameterized) path.
func instrumentation(m *metrics.Metrics, tracer *tracing.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := r.Context()
			var span trace.Span
			if tracer != nil {
				ctx, span = tracer.Start(ctx, "http.request")
				span.SetAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				)
				defer span.End()
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			if m != nil {
				route := routePattern(r)
				m.RecordHTTP(route, r.Method, statusClass(wrapped.statusCode), time.Since(start).Seconds())
			}
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// rateLimit applies a single process-wide token bucket across all
// clients. spec.md does not name a per-client identity scheme (no API
// keys beyond the single bearer token), so one shared bucket protects the
// generator and outbound backends from a thundering herd rather than
// pretending to do per-tenant fairness it has no identity for.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"kind":"rate_limited","message":"too many requests"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
