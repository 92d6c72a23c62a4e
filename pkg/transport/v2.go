package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// V2Options are the synthesis options of the PlayHT1.0 and PlayHT2.0 engines.
type V2Options struct {
	VoiceEngine   string   `json:"voice_engine"`
	Quality       string   `json:"quality,omitempty"`
	OutputFormat  string   `json:"output_format,omitempty"`
	Speed         float64  `json:"speed,omitempty"`
	SampleRate    int      `json:"sample_rate,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Emotion       string   `json:"emotion,omitempty"`
	VoiceGuidance float64  `json:"voice_guidance,omitempty"`
	StyleGuidance float64  `json:"style_guidance,omitempty"`
	TextGuidance  float64  `json:"text_guidance,omitempty"`
}

// V2Result is a completed v2 synthesis job.
type V2Result struct {
	ID       string
	URL      string
	Duration float64
	Size     int64
}

type v2Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	V2Options
}

type v2Job struct {
	ID     string `json:"id"`
	Output *struct {
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
		Size     int64   `json:"size"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateV2 creates a v2 synthesis job and waits until its audio URL is
// available.
func (c *Client) GenerateV2(ctx context.Context, text, voice string, opts V2Options) (V2Result, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/v2/tts",
		v2Request{Text: text, Voice: voice, V2Options: opts}, "application/json")
	if err != nil {
		return V2Result{}, err
	}
	var job v2Job
	if err := c.doJSON(req, &job); err != nil {
		return V2Result{}, err
	}
	if job.ID == "" {
		return V2Result{}, fmt.Errorf("transport: v2 tts returned no job id")
	}

	jobURL := c.baseURL + "/api/v2/tts/" + url.PathEscape(job.ID)
	err = c.poll(ctx, func() (bool, error) {
		if job.Error != nil {
			return false, fmt.Errorf("transport: v2 job %s failed: %s", job.ID, job.Error.Message)
		}
		if job.Output != nil && job.Output.URL != "" {
			return true, nil
		}
		req, err := c.newRequest(ctx, http.MethodGet, jobURL, nil, "application/json")
		if err != nil {
			return false, err
		}
		return false, c.doJSON(req, &job)
	})
	if err != nil {
		return V2Result{}, err
	}
	c.metrics.RecordSynthesis(ctx, opts.VoiceEngine, time.Since(start).Seconds())
	return V2Result{ID: job.ID, URL: job.Output.URL, Duration: job.Output.Duration, Size: job.Output.Size}, nil
}

// StreamV2 synthesizes text and streams the audio as it is produced.
func (c *Client) StreamV2(ctx context.Context, text, voice string, opts V2Options) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/v2/tts/stream",
		v2Request{Text: text, Voice: voice, V2Options: opts}, acceptFor(opts.OutputFormat))
	if err != nil {
		return nil, err
	}
	return c.stream(req, opts.VoiceEngine)
}

// acceptFor returns the Accept header for an output format.
func acceptFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "mulaw":
		return "audio/basic"
	case "raw", "pcm":
		return "application/octet-stream"
	default:
		return "audio/mpeg"
	}
}
