package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/playht/internal/config"
	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/playht"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug

playht:
  api_key: file-key
  user_id: file-user
  default_voice_engine: PlayDialog
  default_voice_id: s3://voice/manifest.json
  output_format: wav
  congestion:
    policy: adaptive
    initial_window: 2
    max_window: 6
    stall_timeout: 3s
  v3:
    minimal_refresh_frequency: 30s
    advance_refresh_time: 2m
    max_retries: 0

telemetry:
  service_name: playht-cli
  trace_exporter: otlp
  otlp_endpoint: localhost:4317
  otlp_insecure: true
  metrics_addr: ":9464"
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.LogLevel)
	}
	p := cfg.PlayHT
	if p.APIKey != "file-key" || p.UserID != "file-user" {
		t.Errorf("credentials: got %q/%q", p.APIKey, p.UserID)
	}
	if p.DefaultVoiceEngine != "PlayDialog" || p.OutputFormat != "wav" {
		t.Errorf("voice: got engine %q format %q", p.DefaultVoiceEngine, p.OutputFormat)
	}
	if p.Congestion.StallTimeout != 3*time.Second {
		t.Errorf("stall_timeout: got %v, want 3s", p.Congestion.StallTimeout)
	}
	if p.V3.AdvanceRefreshTime != 2*time.Minute {
		t.Errorf("advance_refresh_time: got %v, want 2m", p.V3.AdvanceRefreshTime)
	}
	if p.V3.MaxRetries == nil || *p.V3.MaxRetries != 0 {
		t.Errorf("max_retries: got %v, want explicit 0", p.V3.MaxRetries)
	}
	if cfg.Telemetry.TraceExporter != config.TraceExporterOTLP || cfg.Telemetry.MetricsAddr != ":9464" {
		t.Errorf("telemetry: got %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PlayHT.Congestion.Policy != "" {
		t.Errorf("policy: got %q, want empty", cfg.PlayHT.Congestion.Policy)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("playht:\n  api_kye: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── conversion ───────────────────────────────────────────────────────────────

func TestClientSettings(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := cfg.PlayHT.ClientSettings()
	if err != nil {
		t.Fatalf("ClientSettings: %v", err)
	}
	if s.DefaultVoiceEngine != playht.EnginePlayDialog {
		t.Errorf("DefaultVoiceEngine: got %q", s.DefaultVoiceEngine)
	}
	if s.CongestionCtrl.Policy != congestion.Adaptive || s.CongestionCtrl.InitialWindow != 2 || s.CongestionCtrl.MaxWindow != 6 {
		t.Errorf("CongestionCtrl: got %+v", s.CongestionCtrl)
	}
	if s.V3.MinimalRefreshFrequency != 30*time.Second || s.V3.MaxRetries == nil || *s.V3.MaxRetries != 0 {
		t.Errorf("V3: got %+v", s.V3)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Level(); got != want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", in, got, want)
		}
	}
}
