package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/valyala/fastjson"

	"github.com/MrWong99/playht/pkg/coordinates"
)

// V3Options are the synthesis options of the Play3.0-mini and PlayDialog
// engines.
type V3Options struct {
	VoiceEngine  string   `json:"voice_engine"`
	OutputFormat string   `json:"output_format,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	Speed        float64  `json:"speed,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
	Seed         *int     `json:"seed,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Language     string   `json:"language,omitempty"`
}

type v3Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	V3Options
}

// StreamV3 synthesizes text against an inference address obtained from
// [Client.ResolveCoordinates].
func (c *Client) StreamV3(ctx context.Context, address, text, voice string, opts V3Options) (io.ReadCloser, error) {
	if address == "" {
		return nil, fmt.Errorf("transport: inference address must not be empty")
	}
	req, err := c.newRequest(ctx, http.MethodPost, address,
		v3Request{Text: text, Voice: voice, V3Options: opts}, acceptFor(opts.OutputFormat))
	if err != nil {
		return nil, err
	}
	return c.stream(req, opts.VoiceEngine)
}

// ResolveCoordinates asks the auth endpoint for the inference address of
// engine. The response lists one address per engine together with a shared
// expiry, e.g.
//
//	{"Play3.0-mini": {"http_streaming_url": "...", "websocket_url": "..."}, "expires_at_ms": 1700000000000}
func (c *Client) ResolveCoordinates(ctx context.Context, engine, userID, apiKey string) (coordinates.Entry, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/v3/auth?dialog", struct{}{}, "application/json")
	if err != nil {
		return coordinates.Entry{}, err
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.do(req)
	if err != nil {
		return coordinates.Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return coordinates.Entry{}, fmt.Errorf("transport: read auth response: %w", err)
	}

	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return coordinates.Entry{}, fmt.Errorf("transport: parse auth response: %w", err)
	}
	addr := v.GetStringBytes(engine, "http_streaming_url")
	if len(addr) == 0 {
		return coordinates.Entry{}, fmt.Errorf("transport: engine %s not found in auth response", engine)
	}
	exp := int64(v.GetFloat64("expires_at_ms"))
	if exp == 0 {
		return coordinates.Entry{}, fmt.Errorf("transport: auth response has no expires_at_ms")
	}
	c.logger.Debug("inference coordinates issued", "engine", engine, "expires_at", time.UnixMilli(exp))
	return coordinates.Entry{Address: string(addr), ExpiresAt: time.UnixMilli(exp)}, nil
}
