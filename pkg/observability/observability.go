// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and Prometheus metric
// exposition for the gateway. Both halves are optional; a Manager with
// everything disabled is safe to call throughout.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/warden/pkg/config"
)

// Manager owns the tracer provider and the metric instruments for one
// gateway process.
type Manager struct {
	cfg      config.ObservabilityConfig
	tp       trace.TracerProvider
	stopTrace func(context.Context) error
	metrics  *Metrics
	registry *prometheus.Registry
}

func New(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, tp: tracenoop.NewTracerProvider()}
}

// Start builds the exporters. Tracing failures are returned; a process
// that asked for OTLP export should not come up silently untraced.
func (m *Manager) Start(ctx context.Context) error {
	tp, stop, err := newTracerProvider(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tp = tp
	m.stopTrace = stop
	otel.SetTracerProvider(tp)

	if m.cfg.Metrics.IsEnabled() {
		metrics, registry, err := newMetrics()
		if err != nil {
			return err
		}
		m.metrics = metrics
		m.registry = registry
	}
	return nil
}

// Metrics returns the instrument set, or nil when metrics are disabled.
// All Metrics methods tolerate a nil receiver.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

func (m *Manager) Tracer(name string) trace.Tracer {
	if m == nil || m.tp == nil {
		return tracenoop.NewTracerProvider().Tracer(name)
	}
	return m.tp.Tracer(name)
}

// Handler serves the Prometheus exposition format, or 404 when metrics
// are disabled.
func (m *Manager) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.stopTrace == nil {
		return nil
	}
	return m.stopTrace(ctx)
}
