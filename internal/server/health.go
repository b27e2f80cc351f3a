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
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// healthStatus is the closed set of component health states, grounded on
// the teacher's rag.HealthStatus (v2/rag/health.go), narrowed to the
// checks this server actually performs: the process itself (/healthz)
// and its required backends (/readyz).
type healthStatus string

const (
	healthHealthy   healthStatus = "healthy"
	healthDegraded  healthStatus = "degraded"
	healthUnhealthy healthStatus = "unhealthy"
)

type componentCheck struct {
	Component string       `json:"component"`
	Status    healthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
}

type healthResponse struct {
	Status     healthStatus     `json:"status"`
	Components []componentCheck `json:"components,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// handleHealthz answers liveness: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: healthHealthy, Timestamp: time.Now()})
}

// handleReadyz answers readiness: the generator runtime must respond for
// the server to accept traffic. It is the only component pinged; the
// chunk store, lexical index, notes and web backends are not checked.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := []componentCheck{
		s.checkComponent(ctx, "generator", s.deps.Generator.Ping),
	}

	overall := healthHealthy
	for _, c := range checks {
		if c.Status == healthUnhealthy {
			overall = healthUnhealthy
		}
	}

	status := http.StatusOK
	if overall == healthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: overall, Components: checks, Timestamp: time.Now()})
}

func (s *Server) checkComponent(ctx context.Context, name string, ping func(context.Context) error) componentCheck {
	start := time.Now()
	check := componentCheck{Component: name, Status: healthHealthy}
	if err := ping(ctx); err != nil {
		check.Status = healthUnhealthy
		check.Message = err.Error()
	}
	check.LatencyMS = time.Since(start).Milliseconds()
	return check
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
