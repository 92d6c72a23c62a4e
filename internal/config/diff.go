package config

// ConfigDiff describes what changed between two configs.
// Only LogLevel can be applied to a running process; the other flags report
// changes that take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CredentialsChanged bool
	VoiceChanged       bool
	CongestionChanged  bool
	V3Changed          bool
	TelemetryChanged   bool
}

// RequiresRestart reports whether any change cannot be hot-applied.
func (d ConfigDiff) RequiresRestart() bool {
	return d.CredentialsChanged || d.VoiceChanged || d.CongestionChanged || d.V3Changed || d.TelemetryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	o, n := old.PlayHT, new.PlayHT
	d.CredentialsChanged = o.APIKey != n.APIKey || o.UserID != n.UserID || o.BaseURL != n.BaseURL
	d.VoiceChanged = o.DefaultVoiceEngine != n.DefaultVoiceEngine ||
		o.DefaultVoiceID != n.DefaultVoiceID ||
		o.OutputFormat != n.OutputFormat
	d.CongestionChanged = o.Congestion != n.Congestion
	d.V3Changed = o.V3.MinimalRefreshFrequency != n.V3.MinimalRefreshFrequency ||
		o.V3.AdvanceRefreshTime != n.V3.AdvanceRefreshTime ||
		!equalIntPtr(o.V3.MaxRetries, n.V3.MaxRetries)
	d.TelemetryChanged = old.Telemetry != new.Telemetry

	return d
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
