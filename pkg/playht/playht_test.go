package playht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/playht/pkg/audiostream"
	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/transport"
)

// fakeAPI serves the auth, v2 stream and v3 inference endpoints. Audio
// responses echo the request text.
type fakeAPI struct {
	srv       *httptest.Server
	authCalls atomic.Int32
	v2Calls   atomic.Int32
	v3Calls   atomic.Int32
	failText  string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/auth", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		fmt.Fprintf(w, `{"Play3.0-mini":{"http_streaming_url":"%[1]s/v3/mini"},"PlayDialog":{"http_streaming_url":"%[1]s/v3/dialog"},"expires_at_ms":%[2]d}`,
			f.srv.URL, time.Now().Add(time.Hour).UnixMilli())
	})
	echo := func(counter *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			var body struct {
				Text string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if f.failText != "" && body.Text == f.failText {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error_message":"slow down","error_id":"RATE_LIMITED"}`))
				return
			}
			w.Write([]byte("[" + body.Text + "]"))
		}
	}
	mux.HandleFunc("POST /v3/mini", echo(&f.v3Calls))
	mux.HandleFunc("POST /v3/dialog", echo(&f.v3Calls))
	mux.HandleFunc("POST /api/v2/tts/stream", echo(&f.v2Calls))
	mux.HandleFunc("POST /api/v1/convert", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcriptionId":"tr-1"}`))
	})
	mux.HandleFunc("GET /api/v1/articleStatus", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"converted":true,"audioUrl":"https://cdn.example/v1.mp3","message":"done"}`))
	})
	mux.HandleFunc("POST /api/v2/tts", func(w http.ResponseWriter, r *http.Request) {
		f.v2Calls.Add(1)
		w.Write([]byte(`{"id":"job-1"}`))
	})
	mux.HandleFunc("GET /api/v2/tts/job-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"job-1","output":{"url":"https://cdn.example/v2.mp3"}}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(t *testing.T, f *fakeAPI, settings Settings) *Client {
	t.Helper()
	if settings.APIKey == "" {
		settings.APIKey = "key"
	}
	if settings.UserID == "" {
		settings.UserID = "user"
	}
	c, err := New(settings, WithTransportOptions(
		transport.WithBaseURL(f.srv.URL),
		transport.WithPollInterval(time.Millisecond),
	))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Settings{UserID: "u"}); err == nil {
		t.Error("missing api key: want error")
	}
	if _, err := New(Settings{APIKey: "k", UserID: "u", DefaultVoiceEngine: "PlayHT9"}); err == nil {
		t.Error("unknown default engine: want error")
	}
}

func TestStream_V3UsesCoordinateCache(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, Settings{})

	for i := 0; i < 3; i++ {
		body, err := c.Stream(context.Background(), "Hello.", nil)
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		data, _ := io.ReadAll(body)
		body.Close()
		if string(data) != "[Hello.]" {
			t.Errorf("audio = %q", data)
		}
	}
	if n := f.authCalls.Load(); n != 1 {
		t.Errorf("auth calls = %d, want 1", n)
	}
	if n := f.v3Calls.Load(); n != 3 {
		t.Errorf("v3 calls = %d, want 3", n)
	}
}

func TestStream_V2Engines(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, Settings{})

	for _, e := range []Engine{EnginePlayHT10, EnginePlayHT20, EnginePlayHT20Turbo} {
		body, err := c.Stream(context.Background(), "Hi.", &StreamOptions{SpeechOptions: SpeechOptions{VoiceEngine: e}})
		if err != nil {
			t.Fatalf("%s: Stream: %v", e, err)
		}
		body.Close()
	}
	if n := f.v2Calls.Load(); n != 3 {
		t.Errorf("v2 calls = %d, want 3", n)
	}
	if n := f.authCalls.Load(); n != 0 {
		t.Errorf("auth calls = %d, want 0", n)
	}
}

func TestGenerateSpeech_RoutesByEngine(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, Settings{})
	ctx := context.Background()

	out, err := c.GenerateSpeech(ctx, "Hello.", &SpeechOptions{VoiceEngine: EngineStandard, VoiceID: "en-US-JennyNeural"})
	if err != nil {
		t.Fatalf("Standard: %v", err)
	}
	if out.AudioURL != "https://cdn.example/v1.mp3" || out.GenerationID != "tr-1" {
		t.Errorf("Standard output = %+v", out)
	}

	out, err = c.GenerateSpeech(ctx, "Hello.", &SpeechOptions{VoiceEngine: EnginePlayHT20})
	if err != nil {
		t.Fatalf("PlayHT2.0: %v", err)
	}
	if out.AudioURL != "https://cdn.example/v2.mp3" || out.GenerationID != "job-1" {
		t.Errorf("PlayHT2.0 output = %+v", out)
	}
	if n := f.v2Calls.Load(); n != 1 {
		t.Errorf("v2 calls = %d, want 1", n)
	}
}

func TestEngineValidation(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, Settings{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "turbo one-shot", call: func() error {
			_, err := c.GenerateSpeech(ctx, "x", &SpeechOptions{VoiceEngine: EnginePlayHT20Turbo})
			return err
		}},
		{name: "v3 engine one-shot", call: func() error {
			_, err := c.GenerateSpeech(ctx, "x", &SpeechOptions{VoiceEngine: EnginePlayDialog})
			return err
		}},
		{name: "unknown engine stream", call: func() error {
			_, err := c.Stream(ctx, "x", &StreamOptions{SpeechOptions: SpeechOptions{VoiceEngine: "PlayHT9"}})
			return err
		}},
		{name: "unknown engine stream text", call: func() error {
			_, err := c.StreamText(ctx, strings.NewReader("A. B."), &StreamOptions{SpeechOptions: SpeechOptions{VoiceEngine: "Nope"}})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var ee *EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("err = %v, want *EngineError", err)
			}
			if ee.ErrorCode() != CodeInvalidEngine {
				t.Errorf("code = %q", ee.ErrorCode())
			}
		})
	}
	if f.authCalls.Load()+f.v2Calls.Load()+f.v3Calls.Load() != 0 {
		t.Error("validation errors must not reach the network")
	}
}

func TestStreamText_AssemblesInOrder(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, Settings{CongestionCtrl: congestion.Config{Policy: congestion.StaticMar2023, PostChunkBackoff: time.Millisecond}})

	out, err := c.StreamText(context.Background(), strings.NewReader("One. Two! Three? Four"),
		&StreamOptions{SpeechOptions: SpeechOptions{OutputFormat: "raw"}})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer out.Close()

	data, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := "[One.][Two!][Three?][Four]"; string(data) != want {
		t.Errorf("audio = %q, want %q", data, want)
	}
	if n := f.authCalls.Load(); n != 1 {
		t.Errorf("auth calls = %d, want 1", n)
	}
}

func TestStreamText_SurfacesAPIError(t *testing.T) {
	f := newFakeAPI(t)
	f.failText = "Two."
	c := newTestClient(t, f, Settings{})

	out, err := c.StreamText(context.Background(), strings.NewReader("One. Two. Three."),
		&StreamOptions{SpeechOptions: SpeechOptions{VoiceEngine: EnginePlayHT20, OutputFormat: "raw"}})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer out.Close()

	data, err := io.ReadAll(out)
	if string(data) != "[One.]" {
		t.Errorf("audio = %q, want %q", data, "[One.]")
	}
	var se *audiostream.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *audiostream.StreamError", err)
	}
	const want = "[PlayHT SDK] Error RATE_LIMITED - 429 Too Many Requests - slow down"
	if se.Error() != want {
		t.Errorf("error = %q, want %q", se.Error(), want)
	}
}

func TestQualityToPreset(t *testing.T) {
	tests := map[string]string{
		"draft":   "real-time",
		"low":     "low-latency",
		"medium":  "balanced",
		"high":    "high-quality",
		"premium": "high-quality",
		"":        "balanced",
		"weird":   "balanced",
	}
	for in, want := range tests {
		if got := QualityToPreset(in); got != want {
			t.Errorf("QualityToPreset(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToV1Options(t *testing.T) {
	o, err := toV1Options(SpeechOptions{VoiceEngine: EngineStandard, Speed: 1.257, Quality: "low", TrimSilence: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.GlobalSpeed != "125%" || o.Preset != "low-latency" || !o.TrimSilence {
		t.Errorf("options = %+v", o)
	}
	if o, _ := toV1Options(SpeechOptions{VoiceEngine: EngineStandard}); o.GlobalSpeed != "100%" {
		t.Errorf("default GlobalSpeed = %q, want 100%%", o.GlobalSpeed)
	}
	if _, err := toV1Options(SpeechOptions{VoiceEngine: EnginePlayHT20}); err == nil {
		t.Error("non-Standard engine: want error")
	}
}

func TestToV2Options_GuidanceOnlyForPlayHT20(t *testing.T) {
	in := SpeechOptions{Emotion: "female_happy", VoiceGuidance: 2, StyleGuidance: 3, TextGuidance: 1}

	in.VoiceEngine = EnginePlayHT10
	v1x, err := toV2Options(in, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v1x.Emotion != "" || v1x.VoiceGuidance != 0 {
		t.Errorf("PlayHT1.0 options carry guidance: %+v", v1x)
	}

	in.VoiceEngine = EnginePlayHT20
	v2x, err := toV2Options(in, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2x.Emotion != "female_happy" || v2x.StyleGuidance != 3 {
		t.Errorf("PlayHT2.0 options dropped guidance: %+v", v2x)
	}

	in.VoiceEngine = EnginePlayHT20Turbo
	if _, err := toV2Options(in, true); err != nil {
		t.Errorf("turbo streaming: %v", err)
	}
}
