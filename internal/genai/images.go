package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ImageClient calls an HTTP image-synthesis API.
type ImageClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewImageClient builds the client.
func NewImageClient(baseURL, apiKey string, timeout time.Duration) *ImageClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &ImageClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Generate renders one image for a prompt and returns the raw encoded bytes.
func (c *ImageClient) Generate(ctx context.Context, prompt string, width, height int) ([]byte, error) {
	body, err := json.Marshal(imageRequest{Prompt: prompt, Width: width, Height: height})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("image request: status %d", resp.StatusCode)
	}

	limit := int64(25 * 1024 * 1024)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image response empty")
	}
	return data, nil
}
