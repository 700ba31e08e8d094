// Package observability holds the settings shared by the metrics and
// tracing packages.
package observability

import "fmt"

// Span exporters
const (
	ExporterXRay   = "xray"
	ExporterStdout = "stdout"
)

// Config is the observability block of the configuration file
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the daemon's HTTP listener. Lambda functions
// never serve metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	// StaleAfter turns /health unhealthy when no sweep finished within it.
	// Zero disables the check.
	StaleAfter int `yaml:"stale_after_sweeps"`
}

// TracingConfig selects where spans go
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Defaults leaves both concerns off
func Defaults() Config {
	return Config{
		Metrics: MetricsConfig{
			Addr:       ":9102",
			Path:       "/metrics",
			StaleAfter: 3,
		},
		Tracing: TracingConfig{
			Exporter:    ExporterXRay,
			SampleRatio: 1,
			ServiceName: "spotkeeper",
		},
	}
}

// Validate checks only the enabled parts
func (c Config) Validate() error {
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("observability.metrics.addr is required when metrics are enabled")
		}
		if c.Metrics.StaleAfter < 0 {
			return fmt.Errorf("observability.metrics.stale_after_sweeps must not be negative")
		}
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case ExporterXRay, ExporterStdout:
		default:
			return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("observability.tracing.sample_ratio %v is outside [0, 1]", c.Tracing.SampleRatio)
		}
	}
	return nil
}
