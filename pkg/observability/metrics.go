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

package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the gateway instrument set. Every method tolerates a nil
// receiver so call sites need no enabled-check.
type Metrics struct {
	meter metric.Meter

	taskTotal      metric.Int64Counter
	taskDuration   metric.Float64Histogram
	gateRejections metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	toolCalls      metric.Int64Counter
	toolErrors     metric.Int64Counter
	httpDuration   metric.Float64Histogram
	wsConnections  metric.Int64UpDownCounter
}

func newMetrics() (*Metrics, *prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("warden")

	m := &Metrics{meter: meter}
	for _, b := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.taskTotal, "warden_tasks", "Tasks dispatched, by type and outcome"},
		{&m.gateRejections, "warden_gate_rejections", "Tasks rejected before execution, by gate"},
		{&m.llmInputTokens, "warden_llm_tokens_input", "Input tokens sent to model providers"},
		{&m.llmOutputTokens, "warden_llm_tokens_output", "Output tokens received from model providers"},
		{&m.toolCalls, "warden_tool_calls", "Tool invocations, by tool"},
		{&m.toolErrors, "warden_tool_errors", "Failed tool invocations, by tool"},
	} {
		if *b.dst, err = meter.Int64Counter(b.name, metric.WithDescription(b.desc)); err != nil {
			return nil, nil, fmt.Errorf("counter %s: %w", b.name, err)
		}
	}

	if m.taskDuration, err = meter.Float64Histogram("warden_task_duration_seconds",
		metric.WithDescription("Task dispatch duration, gates included")); err != nil {
		return nil, nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("warden_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration")); err != nil {
		return nil, nil, err
	}
	if m.wsConnections, err = meter.Int64UpDownCounter("warden_ws_connections",
		metric.WithDescription("Open websocket connections")); err != nil {
		return nil, nil, err
	}
	return m, registry, nil
}

// RegisterRuntimeGauges exposes the process-level gauges the health
// surface reports: up, uptime, and the provider/agent/connection counts.
func (m *Metrics) RegisterRuntimeGauges(startedAt time.Time, providers, agents, connections func() int64) error {
	if m == nil {
		return nil
	}
	up, err := m.meter.Int64ObservableGauge("warden_up", metric.WithDescription("1 while the gateway is serving"))
	if err != nil {
		return err
	}
	uptime, err := m.meter.Float64ObservableGauge("warden_uptime_seconds", metric.WithDescription("Seconds since gateway start"))
	if err != nil {
		return err
	}
	provTotal, err := m.meter.Int64ObservableGauge("warden_providers_total", metric.WithDescription("Configured model providers"))
	if err != nil {
		return err
	}
	agentTotal, err := m.meter.Int64ObservableGauge("warden_agents_total", metric.WithDescription("Registered agents"))
	if err != nil {
		return err
	}
	connTotal, err := m.meter.Int64ObservableGauge("warden_connections_total", metric.WithDescription("Open client connections"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(up, 1)
		o.ObserveFloat64(uptime, time.Since(startedAt).Seconds())
		o.ObserveInt64(provTotal, providers())
		o.ObserveInt64(agentTotal, agents())
		o.ObserveInt64(connTotal, connections())
		return nil
	}, up, uptime, provTotal, agentTotal, connTotal)
	return err
}

func (m *Metrics) RecordTask(ctx context.Context, taskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("outcome", outcome),
	)
	m.taskTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("type", taskType)))
}

func (m *Metrics) RecordGateRejection(ctx context.Context, gate string) {
	if m == nil {
		return
	}
	m.gateRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}

func (m *Metrics) RecordLLMTokens(ctx context.Context, model string, input, output int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmInputTokens.Add(ctx, int64(input), attrs)
	m.llmOutputTokens.Add(ctx, int64(output), attrs)
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.wsConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.wsConnections.Add(ctx, -1)
}
