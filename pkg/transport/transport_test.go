package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/playht/pkg/coordinates"
)

var testCreds = coordinates.Credentials{UserID: "user-1", APIKey: "secret"}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(testCreds, WithBaseURL(srv.URL), WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func checkAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
	if got := r.Header.Get("X-User-Id"); got != "user-1" {
		t.Errorf("X-User-Id = %q, want %q", got, "user-1")
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(coordinates.Credentials{UserID: "u"}); err == nil {
		t.Error("missing api key: want error")
	}
	if _, err := New(coordinates.Credentials{APIKey: "k"}); err == nil {
		t.Error("missing user id: want error")
	}
}

func TestGenerateV1(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/convert", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["voice"] != "en-US-JennyNeural" || body["preset"] != "real-time" || body["globalSpeed"] != "150%" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Write([]byte(`{"status":"CREATED","transcriptionId":"tr-1"}`))
	})
	mux.HandleFunc("GET /api/v1/articleStatus", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("transcriptionId") != "tr-1" {
			t.Errorf("transcriptionId = %q", r.URL.Query().Get("transcriptionId"))
		}
		if polls.Add(1) < 3 {
			w.Write([]byte(`{"converted":false}`))
			return
		}
		w.Write([]byte(`{"converted":true,"audioUrl":["https://cdn.example/a.mp3"],"message":"done"}`))
	})
	c := newTestClient(t, mux)

	res, err := c.GenerateV1(context.Background(), "Hello.", "en-US-JennyNeural",
		V1Options{Preset: "real-time", GlobalSpeed: "150%"})
	if err != nil {
		t.Fatalf("GenerateV1: %v", err)
	}
	if res.AudioURL != "https://cdn.example/a.mp3" || res.TranscriptionID != "tr-1" || res.Message != "done" {
		t.Errorf("result = %+v", res)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
}

func TestStreamV1_FetchesAudio(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/convert", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcriptionId":"tr-2"}`))
	})
	mux.HandleFunc("GET /api/v1/articleStatus", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"converted":true,"audioUrl":"` + srvURL + `/files/a.mp3"}`))
	})
	mux.HandleFunc("GET /files/a.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("MP3DATA"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c, err := New(testCreds, WithBaseURL(srv.URL), WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body, err := c.StreamV1(context.Background(), "Hi.", "v", V1Options{})
	if err != nil {
		t.Fatalf("StreamV1: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "MP3DATA" {
		t.Errorf("audio = %q, want MP3DATA", data)
	}
}

func TestGenerateV2_PollsUntilOutput(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/tts", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["voice_engine"] != "PlayHT2.0" || body["text"] != "Hello." {
			t.Errorf("unexpected body: %v", body)
		}
		if _, ok := body["seed"]; ok {
			t.Error("unset seed was sent")
		}
		w.Write([]byte(`{"id":"job-1"}`))
	})
	mux.HandleFunc("GET /api/v2/tts/job-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			w.Write([]byte(`{"id":"job-1","output":null}`))
			return
		}
		w.Write([]byte(`{"id":"job-1","output":{"url":"https://cdn.example/j.mp3","duration":1.5,"size":2048}}`))
	})
	c := newTestClient(t, mux)

	res, err := c.GenerateV2(context.Background(), "Hello.", "s3://voice", V2Options{VoiceEngine: "PlayHT2.0"})
	if err != nil {
		t.Fatalf("GenerateV2: %v", err)
	}
	if res.ID != "job-1" || res.URL != "https://cdn.example/j.mp3" || res.Duration != 1.5 || res.Size != 2048 {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamV2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/tts/stream", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if got := r.Header.Get("Accept"); got != "audio/wav" {
			t.Errorf("Accept = %q, want audio/wav", got)
		}
		w.Write([]byte("RIFF...."))
	})
	c := newTestClient(t, mux)

	body, err := c.StreamV2(context.Background(), "Hi.", "v", V2Options{VoiceEngine: "PlayHT2.0-turbo", OutputFormat: "wav"})
	if err != nil {
		t.Fatalf("StreamV2: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "RIFF...." {
		t.Errorf("audio = %q", data)
	}
}

func TestStreamV3(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tts/stream", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["voice_engine"] != "Play3.0-mini" || body["language"] != "german" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Write([]byte("audio"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c, _ := New(testCreds)

	body, err := c.StreamV3(context.Background(), srv.URL+"/v1/tts/stream", "Hallo.", "v",
		V3Options{VoiceEngine: "Play3.0-mini", Language: "german"})
	if err != nil {
		t.Fatalf("StreamV3: %v", err)
	}
	defer body.Close()
	if data, _ := io.ReadAll(body); string(data) != "audio" {
		t.Errorf("audio = %q", data)
	}

	if _, err := c.StreamV3(context.Background(), "", "x", "v", V3Options{}); err == nil {
		t.Error("empty address: want error")
	}
}

func TestResolveCoordinates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/auth", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["dialog"]; !ok {
			t.Error("dialog query flag missing")
		}
		if got := r.Header.Get("X-User-Id"); got != "other-user" {
			t.Errorf("X-User-Id = %q, want per-call user", got)
		}
		w.Write([]byte(`{
			"Play3.0-mini": {"http_streaming_url": "https://mini.example/stream", "websocket_url": "wss://mini.example"},
			"PlayDialog": {"http_streaming_url": "https://dialog.example/stream", "websocket_url": "wss://dialog.example"},
			"expires_at_ms": 1700000000000
		}`))
	})
	c := newTestClient(t, mux)

	e, err := c.Coordinates().Generate(context.Background(), "PlayDialog", "other-user", "other-key")
	if err != nil {
		t.Fatalf("ResolveCoordinates: %v", err)
	}
	if e.Address != "https://dialog.example/stream" {
		t.Errorf("Address = %q", e.Address)
	}
	if want := time.UnixMilli(1700000000000); !e.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", e.ExpiresAt, want)
	}

	if _, err := c.ResolveCoordinates(context.Background(), "PlayDialogMultilingual", "other-user", "k"); err == nil ||
		!strings.Contains(err.Error(), "not found in auth response") {
		t.Errorf("missing engine: err = %v", err)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{name: "json body", status: 403, body: `{"error_message":"quota exceeded","error_id":"QUOTA"}`, wantCode: "QUOTA", wantMsg: "quota exceeded"},
		{name: "json without id", status: 400, body: `{"message":"bad voice"}`, wantCode: "ERR_BAD_REQUEST", wantMsg: "bad voice"},
		{name: "plain text", status: 502, body: "upstream down", wantCode: "ERR_BAD_RESPONSE", wantMsg: "upstream down"},
		{name: "empty", status: 500, wantCode: "ERR_BAD_RESPONSE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.StreamV2(context.Background(), "x", "v", V2Options{VoiceEngine: "PlayHT2.0"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Status != http.StatusText(tt.status) {
				t.Errorf("status = %d %q", apiErr.StatusCode, apiErr.Status)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestGenerate_ContextCancelStopsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/tts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"slow"}`))
	})
	mux.HandleFunc("GET /api/v2/tts/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"slow"}`))
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.GenerateV2(ctx, "x", "v", V2Options{VoiceEngine: "PlayHT1.0"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://x.example/stream?token=abc"); got != "https://x.example/stream" {
		t.Errorf("redact = %q", got)
	}
}
