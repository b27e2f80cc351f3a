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

// Package metrics exposes the Prometheus counters and histograms that
// back the response metadata spec.md §6 requires: per-source hit counts
// and latency, rerank/generator latency, cache status and corpus
// version. Scoped to exactly those fields rather than the teacher's
// full agent/LLM/tool/session surface, which has no caller here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kpekel/ragcore/internal/types"
)

// Namespace is the fixed Prometheus namespace for every ragcore metric.
const Namespace = "ragcore"

// Metrics holds the registry and every vector the orchestrator and
// server record against.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheResult     *prometheus.CounterVec

	sourceHits    *prometheus.CounterVec
	sourceElapsed *prometheus.HistogramVec
	degraded      *prometheus.CounterVec

	rerankElapsed    prometheus.Histogram
	rerankFallback   prometheus.Counter
	generatorElapsed prometheus.Histogram
	generatorBusy    prometheus.Counter

	truncatedBlocks prometheus.Histogram
	corpusVersion   prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	ingestChunks *prometheus.CounterVec
}

// New builds a Metrics instance registered against a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "orchestrator",
		Name:      "requests_total",
		Help:      "Total number of answered requests by mode and outcome.",
	}, []string{"mode", "outcome"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "orchestrator",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	m.cacheResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "cache",
		Name:      "result_total",
		Help:      "Cache lookups by result (hit/miss).",
	}, []string{"result"})

	m.sourceHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "retrieval",
		Name:      "hits_total",
		Help:      "Hit count per retrieval source.",
	}, []string{"source"})

	m.sourceElapsed = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "retrieval",
		Name:      "source_elapsed_seconds",
		Help:      "Per-source branch latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	m.degraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "retrieval",
		Name:      "degraded_total",
		Help:      "Branch degradations by source and reason.",
	}, []string{"source", "reason"})

	m.rerankElapsed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "rerank",
		Name:      "elapsed_seconds",
		Help:      "Reranker call latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	m.rerankFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "rerank",
		Name:      "fallback_total",
		Help:      "Number of requests that fell back to weighted merge.",
	})

	m.generatorElapsed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "generator",
		Name:      "elapsed_seconds",
		Help:      "Generator call latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	m.generatorBusy = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "generator",
		Name:      "busy_total",
		Help:      "Number of requests whose context ended while the generator semaphore was full.",
	})

	m.truncatedBlocks = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "prompt",
		Name:      "truncated_blocks",
		Help:      "Context blocks dropped by truncation per request.",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	m.corpusVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "corpus",
		Name:      "version",
		Help:      "Current corpus version counter.",
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status class.",
	}, []string{"route", "method", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.ingestChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "ingest",
		Name:      "chunks_total",
		Help:      "Chunks processed by ingestion, by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.cacheResult,
		m.sourceHits, m.sourceElapsed, m.degraded,
		m.rerankElapsed, m.rerankFallback, m.generatorElapsed, m.generatorBusy,
		m.truncatedBlocks, m.corpusVersion,
		m.httpRequests, m.httpDuration, m.ingestChunks,
	)

	return m
}

// Handler returns the Prometheus scrape handler bound to this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed orchestrator request.
func (m *Metrics) RecordRequest(mode types.Mode, outcome string, elapsedSeconds float64) {
	m.requestsTotal.WithLabelValues(string(mode), outcome).Inc()
	m.requestDuration.WithLabelValues(string(mode)).Observe(elapsedSeconds)
}

// RecordCache records a cache lookup result ("hit" or "miss").
func (m *Metrics) RecordCache(result string) {
	m.cacheResult.WithLabelValues(result).Inc()
}

// RecordSource records one retrieval branch's hit count and elapsed time.
func (m *Metrics) RecordSource(source types.Origin, hitCount int, elapsedSeconds float64) {
	m.sourceHits.WithLabelValues(string(source)).Add(float64(hitCount))
	m.sourceElapsed.WithLabelValues(string(source)).Observe(elapsedSeconds)
}

// RecordDegraded records a branch degradation.
func (m *Metrics) RecordDegraded(source types.Origin, reason string) {
	m.degraded.WithLabelValues(string(source), reason).Inc()
}

// RecordRerank records a reranker call's latency and whether it fell
// back to the weighted-merge path.
func (m *Metrics) RecordRerank(elapsedSeconds float64, fellBack bool) {
	m.rerankElapsed.Observe(elapsedSeconds)
	if fellBack {
		m.rerankFallback.Inc()
	}
}

// RecordGenerator records a generator call's latency.
func (m *Metrics) RecordGenerator(elapsedSeconds float64) {
	m.generatorElapsed.Observe(elapsedSeconds)
}

// RecordGeneratorBusy records a GeneratorBusyError (no generator slot
// freed before the request's context ended).
func (m *Metrics) RecordGeneratorBusy() {
	m.generatorBusy.Inc()
}

// RecordTruncation records how many context blocks a request dropped.
func (m *Metrics) RecordTruncation(droppedBlocks int) {
	m.truncatedBlocks.Observe(float64(droppedBlocks))
}

// SetCorpusVersion publishes the current corpus version.
func (m *Metrics) SetCorpusVersion(version uint64) {
	m.corpusVersion.Set(float64(version))
}

// RecordHTTP records one completed HTTP request.
func (m *Metrics) RecordHTTP(route, method, statusClass string, elapsedSeconds float64) {
	m.httpRequests.WithLabelValues(route, method, statusClass).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(elapsedSeconds)
}

// RecordIngest records chunks processed by ingestion, by outcome
// ("added", "failed").
func (m *Metrics) RecordIngest(outcome string, count int) {
	m.ingestChunks.WithLabelValues(outcome).Add(float64(count))
}
