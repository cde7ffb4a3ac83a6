package observe

import "testing"

func TestConfigValidateRequiresServiceName(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing service name")
	}
}

func TestConfigValidateRejectsUnknownTracingExporter(t *testing.T) {
	cfg := Config{ServiceName: "mcpd", Tracing: TracingConfig{Enabled: true, Exporter: "zipkin"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown tracing exporter")
	}
}

func TestConfigValidateRejectsOutOfRangeSamplePct(t *testing.T) {
	cfg := Config{ServiceName: "mcpd", Tracing: TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 1.5}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sample percentage out of range")
	}
}

func TestConfigValidateRejectsUnknownMetricsExporter(t *testing.T) {
	cfg := Config{ServiceName: "mcpd", Metrics: MetricsConfig{Enabled: true, Exporter: "datadog"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown metrics exporter")
	}
}

func TestConfigValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Config{ServiceName: "mcpd", Logging: LoggingConfig{Enabled: true, Level: "verbose"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestConfigValidateAcceptsDisabledSubsystems(t *testing.T) {
	cfg := Config{ServiceName: "mcpd"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
