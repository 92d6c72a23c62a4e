package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Pronunciation replaces Key with Value when speaking Standard voices.
type Pronunciation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// V1Options are the conversion options of Standard voices.
type V1Options struct {
	NarrationStyle string          `json:"narrationStyle,omitempty"`
	GlobalSpeed    string          `json:"globalSpeed,omitempty"`
	Pronunciations []Pronunciation `json:"pronunciations,omitempty"`
	TrimSilence    bool            `json:"trimSilence,omitempty"`
	Preset         string          `json:"preset,omitempty"`
}

// V1Result is a completed Standard conversion.
type V1Result struct {
	AudioURL        string
	TranscriptionID string
	Message         string
}

type v1ConvertRequest struct {
	Content []string `json:"content"`
	Voice   string   `json:"voice"`
	V1Options
}

type v1ConvertResponse struct {
	Status          string `json:"status"`
	TranscriptionID string `json:"transcriptionId"`
}

type v1StatusResponse struct {
	Converted    bool   `json:"converted"`
	AudioURL     any    `json:"audioUrl"` // string, or a list of strings for multi-part articles
	Message      string `json:"message"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

func (r v1StatusResponse) url() string {
	switch u := r.AudioURL.(type) {
	case string:
		return u
	case []any:
		if len(u) > 0 {
			s, _ := u[0].(string)
			return s
		}
	}
	return ""
}

// GenerateV1 converts text with a Standard voice and waits for the audio URL.
func (c *Client) GenerateV1(ctx context.Context, text, voice string, opts V1Options) (V1Result, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/v1/convert",
		v1ConvertRequest{Content: []string{text}, Voice: voice, V1Options: opts}, "application/json")
	if err != nil {
		return V1Result{}, err
	}
	var created v1ConvertResponse
	if err := c.doJSON(req, &created); err != nil {
		return V1Result{}, err
	}
	if created.TranscriptionID == "" {
		return V1Result{}, fmt.Errorf("transport: v1 convert returned no transcription id (status %q)", created.Status)
	}

	statusURL := c.baseURL + "/api/v1/articleStatus?transcriptionId=" + url.QueryEscape(created.TranscriptionID)
	var result V1Result
	err = c.poll(ctx, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodGet, statusURL, nil, "application/json")
		if err != nil {
			return false, err
		}
		var st v1StatusResponse
		if err := c.doJSON(req, &st); err != nil {
			return false, err
		}
		if st.Error {
			return false, fmt.Errorf("transport: v1 conversion %s failed: %s", created.TranscriptionID, st.ErrorMessage)
		}
		if !st.Converted {
			return false, nil
		}
		result = V1Result{AudioURL: st.url(), TranscriptionID: created.TranscriptionID, Message: st.Message}
		return true, nil
	})
	if err != nil {
		return V1Result{}, err
	}
	c.metrics.RecordSynthesis(ctx, "Standard", time.Since(start).Seconds())
	return result, nil
}

// StreamV1 converts text with a Standard voice and streams the resulting
// audio file.
func (c *Client) StreamV1(ctx context.Context, text, voice string, opts V1Options) (io.ReadCloser, error) {
	res, err := c.GenerateV1(ctx, text, voice, opts)
	if err != nil {
		return nil, err
	}
	if res.AudioURL == "" {
		return nil, fmt.Errorf("transport: v1 conversion %s has no audio url", res.TranscriptionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.AudioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
