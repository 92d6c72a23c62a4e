package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/playht"
)

// Environment variables that override credentials from the file.
const (
	EnvAPIKey = "PLAYHT_API_KEY"
	EnvUserID = "PLAYHT_USER_ID"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyEnv(cfg, os.Getenv)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides credentials with non-empty environment values looked up
// through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		cfg.PlayHT.APIKey = v
	}
	if v := getenv(EnvUserID); v != "" {
		cfg.PlayHT.UserID = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Missing credentials are not an error here; the client reports them.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	p := cfg.PlayHT
	if p.DefaultVoiceEngine != "" && !playht.Engine(p.DefaultVoiceEngine).Valid() {
		errs = append(errs, fmt.Errorf("playht.default_voice_engine %q is invalid; valid values: %v", p.DefaultVoiceEngine, playht.Engines))
	}
	if p.OutputFormat != "" && !validFormat(p.OutputFormat) {
		errs = append(errs, fmt.Errorf("playht.output_format %q is invalid; valid values: mp3, wav, ogg, flac, mulaw, raw", p.OutputFormat))
	}
	if _, err := congestion.ParsePolicy(p.Congestion.Policy); err != nil {
		errs = append(errs, fmt.Errorf("playht.congestion.policy: %w", err))
	}
	if p.Congestion.Window < 0 || p.Congestion.InitialWindow < 0 || p.Congestion.MaxWindow < 0 || p.Congestion.Burst < 0 {
		errs = append(errs, errors.New("playht.congestion: window sizes and burst must not be negative"))
	}
	if p.Congestion.InitialWindow > 0 && p.Congestion.MaxWindow > 0 && p.Congestion.InitialWindow > p.Congestion.MaxWindow {
		errs = append(errs, fmt.Errorf("playht.congestion.initial_window %d exceeds max_window %d", p.Congestion.InitialWindow, p.Congestion.MaxWindow))
	}
	if p.Congestion.Rate < 0 {
		errs = append(errs, fmt.Errorf("playht.congestion.rate %.2f must not be negative", p.Congestion.Rate))
	}
	if p.V3.MinimalRefreshFrequency < 0 || p.V3.AdvanceRefreshTime < 0 {
		errs = append(errs, errors.New("playht.v3: refresh durations must not be negative"))
	}
	if p.V3.MaxRetries != nil && *p.V3.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("playht.v3.max_retries %d must not be negative", *p.V3.MaxRetries))
	}

	t := cfg.Telemetry
	if t.TraceExporter != "" && !t.TraceExporter.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout, otlp", t.TraceExporter))
	}
	if t.TraceExporter == TraceExporterOTLP && t.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp"))
	}

	return errors.Join(errs...)
}

func validFormat(f string) bool {
	switch f {
	case "mp3", "wav", "ogg", "flac", "mulaw", "raw":
		return true
	}
	return false
}
