package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"newsreel/internal/run"
	"newsreel/internal/tenant"
)

const dialogueSystemPrompt = `You write a short two-speaker news dialogue for a daily video.
Speaker "HOST" introduces and asks; speaker "EXPERT" explains.
Write in the requested language, keep it factual and conversational,
8 to 16 lines total, each line one or two sentences.`

const dialogueSchema = `{
  "name": "news_dialogue",
  "description": "Two-speaker dialogue script",
  "strict": true,
  "schema": {
    "type": "object",
    "properties": {
      "title": {"type": "string"},
      "language": {"type": "string"},
      "lines": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "speaker": {"type": "string"},
            "text": {"type": "string"}
          },
          "required": ["speaker", "text"],
          "additionalProperties": false
        }
      }
    },
    "required": ["title", "language", "lines"],
    "additionalProperties": false
  }
}`

// DialogueWriter generates dialogue scripts with an Anthropic model.
type DialogueWriter struct {
	apiKey string
	model  string
}

// NewDialogueWriter builds a writer for the configured model.
func NewDialogueWriter(apiKey, model string) *DialogueWriter {
	return &DialogueWriter{apiKey: apiKey, model: model}
}

// Write generates a dialogue for a run's news item. promptOverride, when set,
// replaces the default system prompt (per-slot override from the scheduler
// configuration).
func (w *DialogueWriter) Write(ctx context.Context, tn tenant.Tenant, seed run.Seed, content, promptOverride string) (run.Dialogue, error) {
	if err := ctx.Err(); err != nil {
		return run.Dialogue{}, err
	}
	if w.apiKey == "" {
		return run.Dialogue{}, fmt.Errorf("dialogue writer: no api key configured")
	}

	systemPrompt := dialogueSystemPrompt
	if promptOverride != "" {
		systemPrompt = promptOverride
	}
	userPrompt := fmt.Sprintf("Language: %s\nHeadline: %s\nCategory: %s\n\nSource article:\n%s",
		tn.Language, seed.Title, seed.Category, excerpt(content, 8000))

	settings := types.RequestSettings{
		Model:       w.model,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
	response, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, dialogueSchema, w.apiKey, settings)
	if err != nil {
		return run.Dialogue{}, fmt.Errorf("dialogue request: %w", err)
	}
	if len(response.Content) == 0 {
		return run.Dialogue{}, fmt.Errorf("dialogue response empty")
	}

	var d run.Dialogue
	if err := json.Unmarshal([]byte(response.Content[0].Text), &d); err != nil {
		return run.Dialogue{}, fmt.Errorf("parse dialogue response: %w", err)
	}
	if len(d.Lines) == 0 {
		return run.Dialogue{}, fmt.Errorf("dialogue has no lines")
	}
	if d.Language == "" {
		d.Language = tn.Language
	}
	return d, nil
}
