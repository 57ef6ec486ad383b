package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// HTTPSource fetches digests from a news aggregation API and normalizes item
// content from HTML to markdown before it reaches any prompt.
type HTTPSource struct {
	baseURL   string
	client    *http.Client
	converter *md.Converter
}

// NewHTTPSource builds a source for the given API base URL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		converter: md.NewConverter("", true, nil),
	}
}

// FetchNews retrieves the current digest for a source id.
func (s *HTTPSource) FetchNews(ctx context.Context, sourceID string) (Digest, error) {
	endpoint := fmt.Sprintf("%s/digests/%s", s.baseURL, url.PathEscape(sourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Digest{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Digest{}, fmt.Errorf("fetch news: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Digest{}, fmt.Errorf("fetch news: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return Digest{}, fmt.Errorf("read news body: %w", err)
	}

	var digest Digest
	if err := json.Unmarshal(body, &digest); err != nil {
		return Digest{}, fmt.Errorf("parse news body: %w", err)
	}

	for i := range digest.Items {
		digest.Items[i].Content = s.normalize(digest.Items[i].Content)
	}
	return digest, nil
}

func (s *HTTPSource) normalize(content string) string {
	if !strings.Contains(content, "<") {
		return strings.TrimSpace(content)
	}
	converted, err := s.converter.ConvertString(content)
	if err != nil {
		// Keep the raw content rather than dropping the item.
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(converted)
}
