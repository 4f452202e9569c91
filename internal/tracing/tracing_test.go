package tracing

import (
	"context"
	"testing"
	"time"
)

func shutdownProvider(t *testing.T, p *Provider) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName: "quorum-api",
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider == nil {
		t.Fatal("NewProvider() returned nil provider")
	}
	if provider.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}
}

func TestNewProvider_MissingServiceName(t *testing.T) {
	_, err := NewProvider(Config{
		Enabled:      true,
		SamplingRate: 0.1,
	})
	if err == nil {
		t.Fatal("NewProvider() should reject a missing service name")
	}
}

func TestNewProvider_SamplingRateOutOfRange(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.5} {
		cfg := Config{
			ServiceName:  "quorum-api",
			Enabled:      true,
			SamplingRate: rate,
		}
		if _, err := NewProvider(cfg); err == nil {
			t.Errorf("NewProvider() accepted sampling rate %v", rate)
		}
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name         string
		exporterType string
		samplingRate float64
		endpoint     string
	}{
		{"otlp-http sampled at 10%", "otlp-http", 0.1, "localhost:4318"},
		{"otlp-grpc sampled fully", "otlp-grpc", 1.0, "localhost:4317"},
		{"default exporter, sampling off", "", 0.0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "quorum-api",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporterType,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: tt.samplingRate,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("IsEnabled() = false, want true")
			}
			shutdownProvider(t, provider)
		})
	}
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{
		ServiceName:  "quorum-api",
		Enabled:      true,
		ExporterType: "jaeger-thrift",
		SamplingRate: 0.1,
	})
	if err == nil {
		t.Fatal("NewProvider() should reject an unsupported exporter type")
	}
}

func TestProvider_Tracer(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName:  "quorum-api",
		Enabled:      true,
		Environment:  "test",
		ExporterType: "otlp-http",
		SamplingRate: 1.0,
		InsecureMode: true,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer shutdownProvider(t, provider)

	tracer := provider.Tracer("audit-engine")
	if tracer == nil {
		t.Fatal("Tracer() returned nil")
	}

	_, span := tracer.Start(context.Background(), "audit.commit")
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	span.End()
}

// A zero-value provider has no tracer provider behind it; Shutdown must
// still be safe to call.
func TestProvider_ShutdownZeroValue(t *testing.T) {
	provider := &Provider{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
