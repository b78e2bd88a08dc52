package otel

import (
	"context"
	"strings"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,x=1")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["x"] != "1" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestFromEnvOverlaysExporterSettings(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "auth=token")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := FromEnv(Config{ServiceName: "migratord", Endpoint: "ignored", Insecure: true})
	if cfg.Endpoint != "collector:4318" || cfg.Insecure || cfg.Headers["auth"] != "token" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestSamplerDescription(t *testing.T) {
	if desc := Sampler(0).Description(); !strings.HasPrefix(desc, "ParentBased{root:AlwaysOnSampler") {
		t.Fatalf("unexpected default sampler %s", desc)
	}
	if desc := Sampler(0.5).Description(); !strings.Contains(desc, "TraceIDRatioBased{0.5}") {
		t.Fatalf("unexpected ratio sampler %s", desc)
	}
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "migratord"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
