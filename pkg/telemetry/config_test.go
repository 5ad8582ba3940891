package telemetry

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "convoy" {
		t.Errorf("expected service name 'convoy', got '%s'", cfg.ServiceName)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestProductionConfig(t *testing.T) {
	cfg := ProductionConfig()

	if cfg.Logging.Format != "json" {
		t.Errorf("expected json log format in production, got '%s'", cfg.Logging.Format)
	}

	if !cfg.Tracing.Enabled {
		t.Error("expected tracing enabled in production")
	}

	// otlp exporter without an endpoint must fail validation.
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for otlp exporter without endpoint")
	}

	cfg.Tracing.Endpoint = "collector:4317"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config with endpoint set, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name:       "missing service name",
			modifyFunc: func(c *Config) { c.ServiceName = "" },
			errorMsg:   "service name is required",
		},
		{
			name:       "invalid log level",
			modifyFunc: func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg:   "invalid log level",
		},
		{
			name:       "invalid log format",
			modifyFunc: func(c *Config) { c.Logging.Format = "xml" },
			errorMsg:   "invalid log format",
		},
		{
			name: "invalid trace exporter",
			modifyFunc: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			errorMsg: "invalid trace exporter",
		},
		{
			name:       "sampling rate out of range",
			modifyFunc: func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			errorMsg:   "sampling rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFunc(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Record methods on a disabled collector must be no-ops, not panics.
	m.RecordRunStarted("manual")
	m.RecordRunCompleted("completed", 0)
	m.RecordStageDuration("inventory", 0)
	m.RecordHostsResolved("ec2", "us-east-1", 3)
	m.RecordTask("pkg.ensure", "changed", 0)
	m.RecordWebhookDelivery("triggered")
}

func TestMetricsRegistration(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Handler() == nil {
		t.Fatal("expected non-nil metrics handler")
	}

	m.RecordRunStarted("webhook")
	m.RecordWebhookDelivery("triggered")
}
