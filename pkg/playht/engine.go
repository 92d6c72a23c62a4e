package playht

import (
	"fmt"
	"math"

	"github.com/MrWong99/playht/pkg/transport"
)

// Engine names a PlayHT voice engine.
type Engine string

const (
	EngineStandard               Engine = "Standard"
	EnginePlayHT10               Engine = "PlayHT1.0"
	EnginePlayHT20               Engine = "PlayHT2.0"
	EnginePlayHT20Turbo          Engine = "PlayHT2.0-turbo"
	EnginePlay30Mini             Engine = "Play3.0-mini"
	EnginePlayDialog             Engine = "PlayDialog"
	EnginePlayDialogMultilingual Engine = "PlayDialogMultilingual"
)

// CodeInvalidEngine is the error code of [EngineError].
const CodeInvalidEngine = "INVALID_ENGINE"

// Engines lists every supported engine.
var Engines = []Engine{
	EngineStandard, EnginePlayHT10, EnginePlayHT20, EnginePlayHT20Turbo,
	EnginePlay30Mini, EnginePlayDialog, EnginePlayDialogMultilingual,
}

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	for _, known := range Engines {
		if e == known {
			return true
		}
	}
	return false
}

// v2 reports whether e is served by the v2 API.
func (e Engine) v2() bool {
	return e == EnginePlayHT10 || e == EnginePlayHT20 || e == EnginePlayHT20Turbo
}

// v3 reports whether e streams from per-engine inference coordinates.
func (e Engine) v3() bool {
	return e == EnginePlay30Mini || e == EnginePlayDialog || e == EnginePlayDialogMultilingual
}

// EngineError rejects an engine that cannot serve a request. It is returned
// before any network call.
type EngineError struct {
	Engine  Engine
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("playht: %s: %s (got %q)", CodeInvalidEngine, e.Message, e.Engine)
}

// ErrorCode returns [CodeInvalidEngine].
func (e *EngineError) ErrorCode() string { return CodeInvalidEngine }

// ErrorMessage returns the human-readable reason.
func (e *EngineError) ErrorMessage() string { return e.Message }

// QualityToPreset maps an output quality to a Standard voice preset.
// Unknown or empty qualities map to "balanced".
func QualityToPreset(quality string) string {
	switch quality {
	case "draft":
		return "real-time"
	case "low":
		return "low-latency"
	case "high", "premium":
		return "high-quality"
	default:
		return "balanced"
	}
}

// globalSpeed formats a speed factor as a v1 percentage, e.g. 1.25 -> "125%".
func globalSpeed(speed float64) string {
	if speed == 0 {
		speed = 1
	}
	return fmt.Sprintf("%d%%", int(math.Trunc(speed*100)))
}

func toV1Options(o SpeechOptions) (transport.V1Options, error) {
	if o.VoiceEngine != EngineStandard {
		return transport.V1Options{}, &EngineError{Engine: o.VoiceEngine, Message: "Invalid engine. Expected 'Standard'"}
	}
	return transport.V1Options{
		NarrationStyle: o.NarrationStyle,
		Pronunciations: o.Pronunciations,
		TrimSilence:    o.TrimSilence,
		Preset:         QualityToPreset(o.Quality),
		GlobalSpeed:    globalSpeed(o.Speed),
	}, nil
}

// toV2Options converts o for the v2 API. PlayHT2.0-turbo is only accepted for
// streaming.
func toV2Options(o SpeechOptions, streaming bool) (transport.V2Options, error) {
	if o.VoiceEngine == EnginePlayHT20Turbo && !streaming {
		return transport.V2Options{}, &EngineError{Engine: o.VoiceEngine,
			Message: "Invalid engine. The 'PlayHT2.0-turbo' engine is only supported for streaming."}
	}
	if !o.VoiceEngine.v2() {
		return transport.V2Options{}, &EngineError{Engine: o.VoiceEngine,
			Message: "Invalid engine. Expected 'PlayHT2.0', 'PlayHT2.0-turbo' or 'PlayHT1.0'"}
	}
	v2 := transport.V2Options{
		VoiceEngine:  string(o.VoiceEngine),
		Quality:      o.Quality,
		OutputFormat: o.OutputFormat,
		Speed:        o.Speed,
		SampleRate:   o.SampleRate,
		Seed:         o.Seed,
		Temperature:  o.Temperature,
	}
	// Guidance and emotion are PlayHT2.0 features.
	if o.VoiceEngine != EnginePlayHT10 {
		v2.Emotion = o.Emotion
		v2.VoiceGuidance = o.VoiceGuidance
		v2.StyleGuidance = o.StyleGuidance
		v2.TextGuidance = o.TextGuidance
	}
	return v2, nil
}

func toV3Options(o SpeechOptions) (transport.V3Options, error) {
	if !o.VoiceEngine.v3() {
		return transport.V3Options{}, &EngineError{Engine: o.VoiceEngine,
			Message: "Invalid engine. Expected 'Play3.0-mini', 'PlayDialog' or 'PlayDialogMultilingual'"}
	}
	return transport.V3Options{
		VoiceEngine:  string(o.VoiceEngine),
		OutputFormat: o.OutputFormat,
		Quality:      o.Quality,
		Speed:        o.Speed,
		SampleRate:   o.SampleRate,
		Seed:         o.Seed,
		Temperature:  o.Temperature,
		Language:     o.Language,
	}, nil
}
