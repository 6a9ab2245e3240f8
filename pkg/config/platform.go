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

package config

import (
	"fmt"
	"time"
)

// ============================================================================
// AGENT-TO-AGENT
// ============================================================================

// A2AConfig configures inter-agent task exchange.
type A2AConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// MaxPayloadBytes bounds a task payload.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" json:"maxPayloadBytes"`

	// Workers drain the async task queue.
	Workers int `yaml:"workers" json:"workers"`

	// QueueSize bounds pending async tasks.
	QueueSize int `yaml:"queue_size" json:"queueSize"`

	// SyncTimeout bounds a blocking send.
	SyncTimeout Duration `yaml:"sync_timeout" json:"syncTimeout"`

	// TaskTTL expires finished tasks from the store.
	TaskTTL Duration `yaml:"task_ttl" json:"taskTTL"`
}

func (c *A2AConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

func (c *A2AConfig) SetDefaults() {
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = Duration(30 * time.Second)
	}
	if c.TaskTTL == 0 {
		c.TaskTTL = Duration(time.Hour)
	}
}

func (c *A2AConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// ============================================================================
// CLUSTER
// ============================================================================

// ClusterConfig configures multi-node presence through Redis.
type ClusterConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// NodeID identifies this gateway; generated when empty.
	NodeID string `yaml:"node_id" json:"nodeId"`

	// Heartbeat is the presence refresh interval.
	Heartbeat Duration `yaml:"heartbeat" json:"heartbeat"`

	// TTL expires a node that stops refreshing.
	TTL Duration `yaml:"ttl" json:"ttl"`
}

func (c *ClusterConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

func (c *ClusterConfig) SetDefaults() {
	if c.Heartbeat == 0 {
		c.Heartbeat = Duration(5 * time.Second)
	}
	if c.TTL == 0 {
		c.TTL = Duration(15 * time.Second)
	}
}

func (c *ClusterConfig) Validate() error {
	if c.TTL <= c.Heartbeat {
		return fmt.Errorf("cluster.ttl must be greater than heartbeat")
	}
	return nil
}

// ============================================================================
// HEALTH MONITOR
// ============================================================================

// HealthConfig configures the periodic agent health sweep.
type HealthConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Interval between sweeps.
	Interval Duration `yaml:"interval" json:"interval"`

	// Utilization thresholds, as fractions of the configured limits.
	TokenWarn     float64 `yaml:"token_warn" json:"tokenWarn"`
	TokenCritical float64 `yaml:"token_critical" json:"tokenCritical"`

	MemoryWarn     float64 `yaml:"memory_warn" json:"memoryWarn"`
	MemoryCritical float64 `yaml:"memory_critical" json:"memoryCritical"`

	CostWarn     float64 `yaml:"cost_warn" json:"costWarn"`
	CostCritical float64 `yaml:"cost_critical" json:"costCritical"`

	// Idle thresholds.
	IdleWarn     Duration `yaml:"idle_warn" json:"idleWarn"`
	IdleCritical Duration `yaml:"idle_critical" json:"idleCritical"`

	// Error-rate thresholds over the recent request window.
	ErrorRateWarn     float64 `yaml:"error_rate_warn" json:"errorRateWarn"`
	ErrorRateCritical float64 `yaml:"error_rate_critical" json:"errorRateCritical"`

	// MaxConsecutiveErrors marks an agent critical outright.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" json:"maxConsecutiveErrors"`

	// AnomalyWindow is the sample count for token-rate anomaly detection.
	AnomalyWindow int `yaml:"anomaly_window" json:"anomalyWindow"`
}

func (c *HealthConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

func (c *HealthConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = Duration(30 * time.Second)
	}
	if c.TokenWarn == 0 {
		c.TokenWarn = 0.7
	}
	if c.TokenCritical == 0 {
		c.TokenCritical = 0.9
	}
	if c.MemoryWarn == 0 {
		c.MemoryWarn = 0.7
	}
	if c.MemoryCritical == 0 {
		c.MemoryCritical = 0.9
	}
	if c.CostWarn == 0 {
		c.CostWarn = 0.8
	}
	if c.CostCritical == 0 {
		c.CostCritical = 0.95
	}
	if c.IdleWarn == 0 {
		c.IdleWarn = Duration(5 * time.Minute)
	}
	if c.IdleCritical == 0 {
		c.IdleCritical = Duration(time.Hour)
	}
	if c.ErrorRateWarn == 0 {
		c.ErrorRateWarn = 0.1
	}
	if c.ErrorRateCritical == 0 {
		c.ErrorRateCritical = 0.3
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.AnomalyWindow == 0 {
		c.AnomalyWindow = 10
	}
}

func (c *HealthConfig) Validate() error {
	pairs := []struct {
		name           string
		warn, critical float64
	}{
		{"token", c.TokenWarn, c.TokenCritical},
		{"memory", c.MemoryWarn, c.MemoryCritical},
		{"cost", c.CostWarn, c.CostCritical},
		{"error_rate", c.ErrorRateWarn, c.ErrorRateCritical},
	}
	for _, p := range pairs {
		if p.warn >= p.critical {
			return fmt.Errorf("health.%s_warn must be below %s_critical", p.name, p.name)
		}
	}
	if c.AnomalyWindow < 10 {
		return fmt.Errorf("health.anomaly_window must be at least 10")
	}
	return nil
}

// ============================================================================
// OBSERVABILITY
// ============================================================================

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

func (c *ObservabilityConfig) SetDefaults() {
	c.Metrics.SetDefaults()
	c.Tracing.SetDefaults()
}

func (c *ObservabilityConfig) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Path serves the exposition endpoint on the gateway listener.
	Path string `yaml:"path" json:"path"`
}

func (c *MetricsConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// TracingConfig exports OTLP traces.
type TracingConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp or stdout.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// ServiceName tags exported spans.
	ServiceName string `yaml:"service_name" json:"serviceName"`

	// SampleRate in [0,1].
	SampleRate float64 `yaml:"sample_rate" json:"sampleRate"`

	// Insecure disables TLS toward the collector.
	Insecure *bool `yaml:"insecure" json:"insecure"`
}

func (c *TracingConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "warden"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

func (c *TracingConfig) Validate() error {
	switch c.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("exporter must be otlp or stdout; got %q", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be within [0,1]")
	}
	return nil
}

// ============================================================================
// ADMIN AUTH
// ============================================================================

// AdminAuthConfig validates operator JWTs against a JWKS endpoint.
type AdminAuthConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// JWKSURL serves the signing keys.
	JWKSURL string `yaml:"jwks_url" json:"jwksUrl"`

	// Issuer and Audience are matched against token claims when set.
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`

	// RefreshInterval re-fetches the key set.
	RefreshInterval Duration `yaml:"refresh_interval" json:"refreshInterval"`
}

func (c *AdminAuthConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

func (c *AdminAuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(15 * time.Minute)
	}
}

func (c *AdminAuthConfig) Validate() error {
	if c.IsEnabled() && c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when enabled")
	}
	return nil
}
