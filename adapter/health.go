/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package adapter

import (
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-cmdchan/api"
	"github.com/srediag/shm-cmdchan/pkg/cmdchan"
)

// DefaultCheckTimeout bounds a single health check.
const DefaultCheckTimeout = time.Second

// ErrNoServers is reported by the readiness check of an empty registry.
var ErrNoServers = errors.New("no servers running")

// HealthAdapter exposes channel endpoints on /live and /ready.
type HealthAdapter struct {
	handler healthcheck.Handler
	timeout time.Duration
}

// NewHealthAdapter returns an adapter with no checks. When reg is not nil the
// check results are also exported as Prometheus gauges, and check names must
// be unique across /live and /ready.
func NewHealthAdapter(reg prometheus.Registerer) *HealthAdapter {
	h := healthcheck.NewHandler()
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, "cmdchan")
	}
	return &HealthAdapter{handler: h, timeout: DefaultCheckTimeout}
}

// AddLiveness registers c under name on /live.
func (a *HealthAdapter) AddLiveness(name string, c api.Health) {
	a.handler.AddLivenessCheck(name, healthcheck.Timeout(c.Alive, a.timeout))
}

// AddReadiness registers c under name on /ready.
func (a *HealthAdapter) AddReadiness(name string, c api.Health) {
	a.handler.AddReadinessCheck(name, healthcheck.Timeout(c.Alive, a.timeout))
}

// WatchRegistry reports r's server loops on /live, and on /ready only once at
// least one server runs.
func (a *HealthAdapter) WatchRegistry(r *cmdchan.Registry) {
	a.AddLiveness("servers", r)
	a.handler.AddReadinessCheck("servers-ready", healthcheck.Timeout(func() error {
		if r.Len() == 0 {
			return ErrNoServers
		}
		return r.Alive()
	}, a.timeout))
}

// Handler returns the HTTP handler serving /live and /ready.
func (a *HealthAdapter) Handler() http.Handler { return a.handler }

// ServeHTTP implements http.Handler.
func (a *HealthAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}
