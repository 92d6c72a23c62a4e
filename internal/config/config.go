// Package config provides the configuration schema and loader for the playht
// command line client.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/coordinates"
	"github.com/MrWong99/playht/pkg/playht"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Empty or unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TraceExporter selects where spans are exported.
type TraceExporter string

const (
	TraceExporterNone   TraceExporter = "none"
	TraceExporterStdout TraceExporter = "stdout"
	TraceExporterOTLP   TraceExporter = "otlp"
)

// IsValid reports whether e is a recognised exporter.
func (e TraceExporter) IsValid() bool {
	switch e {
	case TraceExporterNone, TraceExporterStdout, TraceExporterOTLP:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	PlayHT    PlayHTConfig    `yaml:"playht"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PlayHTConfig holds the API credentials and request defaults.
type PlayHTConfig struct {
	// APIKey and UserID authenticate every request. They may be left empty
	// in the file and supplied through PLAYHT_API_KEY and PLAYHT_USER_ID.
	APIKey string `yaml:"api_key"`
	UserID string `yaml:"user_id"`

	// DefaultVoiceEngine is one of Standard, PlayHT1.0, PlayHT2.0,
	// PlayHT2.0-turbo, Play3.0-mini, PlayDialog, PlayDialogMultilingual.
	DefaultVoiceEngine string `yaml:"default_voice_engine"`
	DefaultVoiceID     string `yaml:"default_voice_id"`

	// OutputFormat is the audio format requested for streams (e.g., "mp3").
	OutputFormat string `yaml:"output_format"`

	// BaseURL overrides the API root.
	BaseURL string `yaml:"base_url"`

	Congestion CongestionConfig `yaml:"congestion"`
	V3         V3Config         `yaml:"v3"`
}

// CongestionConfig mirrors [congestion.Config].
type CongestionConfig struct {
	// Policy is one of off, static-mar2023, adaptive, token-bucket.
	Policy           string        `yaml:"policy"`
	Window           int           `yaml:"window"`
	PostChunkBackoff time.Duration `yaml:"post_chunk_backoff"`
	InitialWindow    int           `yaml:"initial_window"`
	MaxWindow        int           `yaml:"max_window"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	Rate             float64       `yaml:"rate"`
	Burst            int           `yaml:"burst"`
}

// V3Config tunes the inference coordinate cache.
type V3Config struct {
	MinimalRefreshFrequency time.Duration `yaml:"minimal_refresh_frequency"`
	AdvanceRefreshTime      time.Duration `yaml:"advance_refresh_time"`

	// MaxRetries is nil when unset so that an explicit 0 disables retries.
	MaxRetries *int `yaml:"max_retries"`
}

// TelemetryConfig controls tracing and the Prometheus endpoint.
type TelemetryConfig struct {
	ServiceName   string        `yaml:"service_name"`
	TraceExporter TraceExporter `yaml:"trace_exporter"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	OTLPInsecure  bool          `yaml:"otlp_insecure"`

	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// CongestionSettings converts the congestion section.
func (c *PlayHTConfig) CongestionSettings() (congestion.Config, error) {
	policy, err := congestion.ParsePolicy(c.Congestion.Policy)
	if err != nil {
		return congestion.Config{}, fmt.Errorf("config: %w", err)
	}
	return congestion.Config{
		Policy:           policy,
		Window:           c.Congestion.Window,
		PostChunkBackoff: c.Congestion.PostChunkBackoff,
		InitialWindow:    c.Congestion.InitialWindow,
		MaxWindow:        c.Congestion.MaxWindow,
		StallTimeout:     c.Congestion.StallTimeout,
		Rate:             c.Congestion.Rate,
		Burst:            c.Congestion.Burst,
	}, nil
}

// ClientSettings converts the playht section into client settings.
func (c *PlayHTConfig) ClientSettings() (playht.Settings, error) {
	cc, err := c.CongestionSettings()
	if err != nil {
		return playht.Settings{}, err
	}
	return playht.Settings{
		APIKey:             c.APIKey,
		UserID:             c.UserID,
		DefaultVoiceEngine: playht.Engine(c.DefaultVoiceEngine),
		DefaultVoiceID:     c.DefaultVoiceID,
		CongestionCtrl:     cc,
		V3: coordinates.Settings{
			MinimalRefreshFrequency: c.V3.MinimalRefreshFrequency,
			AdvanceRefreshTime:      c.V3.AdvanceRefreshTime,
			MaxRetries:              c.V3.MaxRetries,
		},
	}, nil
}
