// Package playht is a client for PlayHT text-to-speech.
//
// [Client.GenerateSpeech] produces a hosted audio file, [Client.Stream]
// streams audio for one text, and [Client.StreamText] streams audio for text
// of any length: the text is split into sentences which are synthesized
// concurrently, paced by a congestion controller, and stitched back together
// in order into one audio stream.
//
// Engines are routed to the matching API generation: Standard voices use v1,
// PlayHT1.0 and PlayHT2.0 use v2, and Play3.0-mini and the PlayDialog engines
// stream from inference coordinates obtained (and cached) through the v3 auth
// endpoint.
package playht

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/playht/internal/observe"
	"github.com/MrWong99/playht/pkg/audiostream"
	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/coordinates"
	"github.com/MrWong99/playht/pkg/sentence"
	"github.com/MrWong99/playht/pkg/transport"
)

// Built-in defaults used when neither the call nor [Settings] choose.
const (
	DefaultVoiceEngine  = EnginePlay30Mini
	DefaultVoiceID      = "s3://voice-cloning-zero-shot/d9ff78ba-d016-47f6-b0ef-dd630f59414e/female-cs/manifest.json"
	DefaultOutputFormat = "mp3"
)

// Settings configure a [Client].
type Settings struct {
	APIKey string
	UserID string

	// DefaultVoiceEngine and DefaultVoiceID apply when a call leaves them
	// empty.
	DefaultVoiceEngine Engine
	DefaultVoiceID     string

	// CongestionCtrl paces sentence synthesis in [Client.StreamText].
	CongestionCtrl congestion.Config

	// V3 holds the inference coordinate defaults.
	V3 coordinates.Settings
}

// RequestSettings override client settings for a single call.
type RequestSettings struct {
	APIKey string
	UserID string
	V3     *coordinates.Settings
}

// SpeechOptions select the voice and audio parameters of one request. Zero
// fields use the client defaults or the server's.
type SpeechOptions struct {
	VoiceEngine  Engine
	VoiceID      string
	Quality      string // draft, low, medium, high or premium
	OutputFormat string // mp3, wav, ogg, flac, mulaw or raw
	Speed        float64
	SampleRate   int
	Seed         *int
	Temperature  *float64
	Language     string

	// PlayHT2.0 only.
	Emotion       string
	VoiceGuidance float64
	StyleGuidance float64
	TextGuidance  float64

	// Standard only.
	NarrationStyle string
	Pronunciations []transport.Pronunciation
	TrimSilence    bool

	Settings *RequestSettings
}

// StreamOptions select the parameters of a streaming request.
type StreamOptions struct {
	SpeechOptions

	// CongestionCtrl overrides [Settings.CongestionCtrl] for StreamText.
	CongestionCtrl *congestion.Config
}

// SpeechOutput is a generated audio file.
type SpeechOutput struct {
	AudioURL     string
	GenerationID string
	Message      string
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTransportOptions passes options to every underlying API client.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

// Client is a PlayHT client. It is safe for concurrent use. Close releases
// the coordinate refresh timers.
type Client struct {
	settings      Settings
	api           *transport.Client
	cache         *coordinates.Cache
	logger        *slog.Logger
	metrics       *observe.Metrics
	transportOpts []transport.Option
}

// New creates a Client.
func New(settings Settings, opts ...Option) (*Client, error) {
	c := &Client{
		settings: settings,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	if settings.DefaultVoiceEngine != "" && !settings.DefaultVoiceEngine.Valid() {
		return nil, fmt.Errorf("playht: unknown default voice engine %q", settings.DefaultVoiceEngine)
	}

	api, err := c.newTransport(coordinates.Credentials{UserID: settings.UserID, APIKey: settings.APIKey})
	if err != nil {
		return nil, fmt.Errorf("playht: %w", err)
	}
	c.api = api
	c.cache = coordinates.New(api.Coordinates(),
		coordinates.WithDefaults(settings.V3),
		coordinates.WithLogger(c.logger),
		coordinates.WithMetrics(c.metrics),
	)
	return c, nil
}

// Close stops background coordinate refreshes.
func (c *Client) Close() error {
	c.cache.Close()
	return nil
}

func (c *Client) newTransport(creds coordinates.Credentials) (*transport.Client, error) {
	opts := append([]transport.Option{
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics),
	}, c.transportOpts...)
	return transport.New(creds, opts...)
}

// target is the resolved routing of one request.
type target struct {
	api   *transport.Client
	creds coordinates.Credentials
	v3    *coordinates.Settings
}

// targetFor applies per-call credential overrides.
func (c *Client) targetFor(rs *RequestSettings) (target, error) {
	t := target{api: c.api, creds: coordinates.Credentials{UserID: c.settings.UserID, APIKey: c.settings.APIKey}}
	if rs == nil {
		return t, nil
	}
	t.v3 = rs.V3
	if (rs.APIKey == "" || rs.APIKey == t.creds.APIKey) && (rs.UserID == "" || rs.UserID == t.creds.UserID) {
		return t, nil
	}
	if rs.APIKey != "" {
		t.creds.APIKey = rs.APIKey
	}
	if rs.UserID != "" {
		t.creds.UserID = rs.UserID
	}
	api, err := c.newTransport(t.creds)
	if err != nil {
		return target{}, fmt.Errorf("playht: %w", err)
	}
	t.api = api
	return t, nil
}

// withDefaults fills the voice from the client settings, then the built-ins.
func (c *Client) withDefaults(o SpeechOptions) SpeechOptions {
	if o.VoiceEngine == "" {
		o.VoiceEngine = c.settings.DefaultVoiceEngine
	}
	if o.VoiceEngine == "" {
		o.VoiceEngine = DefaultVoiceEngine
	}
	if o.VoiceID == "" {
		o.VoiceID = c.settings.DefaultVoiceID
	}
	if o.VoiceID == "" {
		o.VoiceID = DefaultVoiceID
	}
	return o
}

// GenerateSpeech synthesizes text into a hosted audio file. Standard voices
// use the v1 API and PlayHT1.0/PlayHT2.0 the v2 API; other engines are
// rejected with an [*EngineError].
func (c *Client) GenerateSpeech(ctx context.Context, text string, opts *SpeechOptions) (*SpeechOutput, error) {
	var o SpeechOptions
	if opts != nil {
		o = *opts
	}
	o = c.withDefaults(o)

	ctx, span := observe.StartSpan(ctx, "playht.GenerateSpeech",
		trace.WithAttributes(attribute.String("engine", string(o.VoiceEngine))))
	defer span.End()

	out, err := c.generate(ctx, text, o)
	if err != nil {
		observe.FailSpan(span, err)
		return nil, err
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, text string, o SpeechOptions) (*SpeechOutput, error) {
	if o.VoiceEngine == EngineStandard {
		v1, err := toV1Options(o)
		if err != nil {
			return nil, err
		}
		t, err := c.targetFor(o.Settings)
		if err != nil {
			return nil, err
		}
		res, err := t.api.GenerateV1(ctx, text, o.VoiceID, v1)
		if err != nil {
			return nil, err
		}
		return &SpeechOutput{AudioURL: res.AudioURL, GenerationID: res.TranscriptionID, Message: res.Message}, nil
	}

	v2, err := toV2Options(o, false)
	if err != nil {
		return nil, err
	}
	t, err := c.targetFor(o.Settings)
	if err != nil {
		return nil, err
	}
	res, err := t.api.GenerateV2(ctx, text, o.VoiceID, v2)
	if err != nil {
		return nil, err
	}
	return &SpeechOutput{AudioURL: res.URL, GenerationID: res.ID}, nil
}

// Stream synthesizes one text and returns its audio as it is produced.
func (c *Client) Stream(ctx context.Context, text string, opts *StreamOptions) (io.ReadCloser, error) {
	var o SpeechOptions
	if opts != nil {
		o = opts.SpeechOptions
	}
	o = c.withDefaults(o)

	ctx, span := observe.StartSpan(ctx, "playht.Stream",
		trace.WithAttributes(attribute.String("engine", string(o.VoiceEngine))))
	defer span.End()

	body, err := c.stream(ctx, text, o)
	if err != nil {
		observe.FailSpan(span, err)
		return nil, err
	}
	return body, nil
}

// route validates o for streaming and returns the request it maps to,
// without touching the network.
func route(o SpeechOptions) (func(ctx context.Context, c *Client, t target, text string) (io.ReadCloser, error), error) {
	switch {
	case o.VoiceEngine == EngineStandard:
		v1, err := toV1Options(o)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, _ *Client, t target, text string) (io.ReadCloser, error) {
			return t.api.StreamV1(ctx, text, o.VoiceID, v1)
		}, nil

	case o.VoiceEngine.v3():
		v3, err := toV3Options(o)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c *Client, t target, text string) (io.ReadCloser, error) {
			addr, err := c.cache.Resolve(ctx, string(o.VoiceEngine), t.creds, t.v3)
			if err != nil {
				return nil, err
			}
			return t.api.StreamV3(ctx, addr, text, o.VoiceID, v3)
		}, nil

	default:
		v2, err := toV2Options(o, true)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, _ *Client, t target, text string) (io.ReadCloser, error) {
			return t.api.StreamV2(ctx, text, o.VoiceID, v2)
		}, nil
	}
}

func (c *Client) stream(ctx context.Context, text string, o SpeechOptions) (io.ReadCloser, error) {
	send, err := route(o)
	if err != nil {
		return nil, err
	}
	t, err := c.targetFor(o.Settings)
	if err != nil {
		return nil, err
	}
	return send(ctx, c, t, text)
}

// StreamText splits the text read from r into sentences and streams their
// audio in order. Reading r, synthesis and delivery overlap; the first
// sentence plays before r is exhausted. Errors after the call returns surface
// on the returned reader as an [*audiostream.StreamError].
func (c *Client) StreamText(ctx context.Context, r io.Reader, opts *StreamOptions) (io.ReadCloser, error) {
	return c.StreamSentences(ctx, sentence.NewReader(r), opts)
}

// StreamSentences is like [Client.StreamText] for an already split sentence
// source.
func (c *Client) StreamSentences(ctx context.Context, src sentence.Source, opts *StreamOptions) (io.ReadCloser, error) {
	var o StreamOptions
	if opts != nil {
		o = *opts
	}
	o.SpeechOptions = c.withDefaults(o.SpeechOptions)

	send, err := route(o.SpeechOptions)
	if err != nil {
		return nil, err
	}
	t, err := c.targetFor(o.Settings)
	if err != nil {
		return nil, err
	}

	cfg := c.settings.CongestionCtrl
	if o.CongestionCtrl != nil {
		cfg = *o.CongestionCtrl
	}
	format := o.OutputFormat
	if format == "" {
		format = DefaultOutputFormat
	}

	logger := c.logger.With("engine", string(o.VoiceEngine))
	ctrl := congestion.New(cfg, congestion.WithLogger(logger), congestion.WithMetrics(c.metrics))
	synth := audiostream.SynthesizerFunc(func(ctx context.Context, text string) (io.ReadCloser, error) {
		ctx, span := observe.StartSpan(ctx, "playht.synthesizeSentence",
			trace.WithAttributes(attribute.String("engine", string(o.VoiceEngine))))
		defer span.End()
		body, err := send(ctx, c, t, text)
		observe.FailSpan(span, err)
		return body, err
	})
	asm := audiostream.New(synth, ctrl,
		audiostream.WithHeaderKind(audiostream.HeaderKindFor(format)),
		audiostream.WithLogger(logger),
		audiostream.WithMetrics(c.metrics),
	)
	return asm.Stream(ctx, src), nil
}
