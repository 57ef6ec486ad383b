package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"newsreel/internal/run"
)

// SpeechClient calls an HTTP text-to-speech API that returns synthesized
// audio plus a per-line timeline.
type SpeechClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSpeechClient builds the client.
func NewSpeechClient(baseURL, apiKey string, timeout time.Duration) *SpeechClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &SpeechClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type speechRequest struct {
	Language string             `json:"language"`
	Lines    []run.DialogueLine `json:"lines"`
}

type speechResponse struct {
	AudioBase64 string                `json:"audio_base64"`
	Segments    []run.TimelineSegment `json:"segments"`
}

// Synthesize renders the dialogue to audio. The returned timeline has one
// segment per dialogue line.
func (c *SpeechClient) Synthesize(ctx context.Context, language string, d run.Dialogue) ([]byte, run.Timeline, error) {
	body, err := json.Marshal(speechRequest{Language: language, Lines: d.Lines})
	if err != nil {
		return nil, run.Timeline{}, fmt.Errorf("marshal speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, run.Timeline{}, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, run.Timeline{}, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, run.Timeline{}, fmt.Errorf("speech request: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 100*1024*1024))
	if err != nil {
		return nil, run.Timeline{}, fmt.Errorf("read speech response: %w", err)
	}
	var sr speechResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, run.Timeline{}, fmt.Errorf("parse speech response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(sr.AudioBase64)
	if err != nil {
		return nil, run.Timeline{}, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, run.Timeline{}, fmt.Errorf("speech response has no audio")
	}
	if len(sr.Segments) != len(d.Lines) {
		return nil, run.Timeline{}, fmt.Errorf("speech response has %d segments for %d lines", len(sr.Segments), len(d.Lines))
	}
	return audio, run.Timeline{Segments: sr.Segments}, nil
}
