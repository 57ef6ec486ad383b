package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const videosEndpoint = "https://www.googleapis.com/youtube/v3/videos"

// VideoStats is the engagement snapshot for one video.
type VideoStats struct {
	VideoID  string
	Views    int64
	Likes    int64
	Comments int64
}

// StatsReader fetches public video statistics with an API key.
type StatsReader struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewStatsReader builds a reader. baseURL overrides the API endpoint in tests.
func NewStatsReader(apiKey, baseURL string, timeout time.Duration) *StatsReader {
	if baseURL == "" {
		baseURL = videosEndpoint
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StatsReader{apiKey: apiKey, baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type videosListResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// Fetch returns statistics for the given video ids. Unknown ids are simply
// absent from the result.
func (r *StatsReader) Fetch(ctx context.Context, videoIDs []string) ([]VideoStats, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	if r.apiKey == "" {
		return nil, fmt.Errorf("stats reader: no api key configured")
	}

	params := url.Values{}
	params.Set("part", "statistics")
	params.Set("id", strings.Join(videoIDs, ","))
	params.Set("key", r.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build stats request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch stats: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read stats response: %w", err)
	}
	var list videosListResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse stats response: %w", err)
	}

	out := make([]VideoStats, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, VideoStats{
			VideoID:  item.ID,
			Views:    parseCount(item.Statistics.ViewCount),
			Likes:    parseCount(item.Statistics.LikeCount),
			Comments: parseCount(item.Statistics.CommentCount),
		})
	}
	return out, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
