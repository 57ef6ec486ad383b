package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"newsreel/internal/history"
	"newsreel/internal/news"
)

const rankerSystemPrompt = `You rank news items for a daily video channel.
You receive today's candidate items and engagement statistics of past videos.
Prefer categories and topics that historically earned views and engagement.
Return every candidate id exactly once, ordered best-first.`

const rankerSchema = `{
  "name": "news_ranking",
  "description": "Candidate news ids ordered best-first",
  "strict": true,
  "schema": {
    "type": "object",
    "properties": {
      "ranked_ids": {
        "type": "array",
        "items": {"type": "string"}
      }
    },
    "required": ["ranked_ids"],
    "additionalProperties": false
  }
}`

// Ranker orders news candidates with an Anthropic model using structured
// output. Callers treat any error as a signal to fall back to random
// selection; nothing here retries.
type Ranker struct {
	apiKey string
	model  string
}

// NewRanker builds a ranker for the configured model.
func NewRanker(apiKey, model string) *Ranker {
	return &Ranker{apiKey: apiKey, model: model}
}

type rankingResult struct {
	RankedIDs []string `json:"ranked_ids"`
}

// Rank returns candidate ids best-first.
func (r *Ranker) Rank(ctx context.Context, candidates []news.Item, stats []history.VideoStats) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.apiKey == "" {
		return nil, fmt.Errorf("ranker: no api key configured")
	}

	userPrompt, err := buildRankerPrompt(candidates, stats)
	if err != nil {
		return nil, err
	}
	settings := types.RequestSettings{
		Model:       r.model,
		MaxTokens:   1024,
		Temperature: 0,
	}
	response, err := anthropic.PromptWithSettings(rankerSystemPrompt, userPrompt, rankerSchema, r.apiKey, settings)
	if err != nil {
		return nil, fmt.Errorf("ranking request: %w", err)
	}
	if len(response.Content) == 0 {
		return nil, fmt.Errorf("ranking response empty")
	}

	var result rankingResult
	if err := json.Unmarshal([]byte(response.Content[0].Text), &result); err != nil {
		return nil, fmt.Errorf("parse ranking response: %w", err)
	}
	if len(result.RankedIDs) == 0 {
		return nil, fmt.Errorf("ranking returned no ids")
	}
	return result.RankedIDs, nil
}

func buildRankerPrompt(candidates []news.Item, stats []history.VideoStats) (string, error) {
	type candidate struct {
		ID       string  `json:"id"`
		Category string  `json:"category"`
		Rating   float64 `json:"rating"`
		Excerpt  string  `json:"excerpt"`
	}
	cands := make([]candidate, 0, len(candidates))
	for _, item := range candidates {
		cands = append(cands, candidate{
			ID:       item.ID,
			Category: item.Category,
			Rating:   item.Rating,
			Excerpt:  excerpt(item.Content, 500),
		})
	}
	candJSON, err := json.MarshalIndent(cands, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}

	type pastVideo struct {
		Category string `json:"category"`
		Title    string `json:"title"`
		Views    int64  `json:"views"`
		Likes    int64  `json:"likes"`
		Comments int64  `json:"comments"`
	}
	past := make([]pastVideo, 0, len(stats))
	for _, st := range stats {
		past = append(past, pastVideo{Category: st.Category, Title: st.Title, Views: st.Views, Likes: st.Likes, Comments: st.Comments})
	}
	statsJSON, err := json.MarshalIndent(past, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}

	var b strings.Builder
	b.WriteString("Candidate news items:\n")
	b.Write(candJSON)
	b.WriteString("\n\nPast video performance:\n")
	b.Write(statsJSON)
	return b.String(), nil
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
