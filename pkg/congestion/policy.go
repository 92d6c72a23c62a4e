package congestion

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects the admission strategy of a [Controller].
type Policy int

const (
	// Off invokes every task immediately, inside Enqueue.
	Off Policy = iota

	// StaticMar2023 keeps at most two tasks in flight. A task stops counting
	// as in flight once the caller reports its first audio, after which
	// admission resumes following a short post-chunk backoff.
	StaticMar2023

	// Adaptive grows the admission window by one for every audio signal
	// (additive increase) and halves it when no audio arrives within the
	// stall timeout while tasks are in flight (multiplicative decrease).
	Adaptive

	// TokenBucket does not bound concurrency; it paces task starts with a
	// token bucket instead.
	TokenBucket
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Off:
		return "off"
	case StaticMar2023:
		return "static-mar2023"
	case Adaptive:
		return "adaptive"
	case TokenBucket:
		return "token-bucket"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the configuration name of a policy. The empty string
// selects [Off].
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return Off, nil
	case "static-mar2023", "staticmar2023":
		return StaticMar2023, nil
	case "adaptive":
		return Adaptive, nil
	case "token-bucket", "tokenbucket":
		return TokenBucket, nil
	}
	return Off, fmt.Errorf("congestion: unknown policy %q; valid values: off, static-mar2023, adaptive, token-bucket", s)
}

// Default tuning values.
const (
	staticWindow           = 2
	staticPostChunkBackoff = 50 * time.Millisecond

	defaultInitialWindow = 1
	defaultMaxWindow     = 8
	defaultStallTimeout  = 5 * time.Second

	defaultRate  = 4.0
	defaultBurst = 2
)

// Config holds tuning knobs for a [Controller]. Zero-value fields are
// replaced with the policy's defaults.
type Config struct {
	// Policy selects the admission strategy.
	Policy Policy

	// Window is the fixed in-flight limit for [StaticMar2023]. Default: 2.
	Window int

	// PostChunkBackoff delays admission after an audio signal for
	// [StaticMar2023]. Default: 50ms.
	PostChunkBackoff time.Duration

	// InitialWindow is the starting window for [Adaptive]. Default: 1.
	InitialWindow int

	// MaxWindow caps the [Adaptive] window. Default: 8.
	MaxWindow int

	// StallTimeout is how long [Adaptive] waits for an audio signal before
	// halving its window. Default: 5s.
	StallTimeout time.Duration

	// Rate is the number of task starts per second for [TokenBucket]. Default: 4.
	Rate float64

	// Burst is the token bucket size for [TokenBucket]. Default: 2.
	Burst int
}

// withDefaults returns cfg with zero-valued fields replaced.
func (cfg Config) withDefaults() Config {
	if cfg.Window <= 0 {
		cfg.Window = staticWindow
	}
	if cfg.PostChunkBackoff <= 0 {
		cfg.PostChunkBackoff = staticPostChunkBackoff
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = defaultInitialWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = defaultMaxWindow
	}
	if cfg.MaxWindow < cfg.InitialWindow {
		cfg.MaxWindow = cfg.InitialWindow
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return cfg
}
