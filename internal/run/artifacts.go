package run

import (
	"fmt"
	"strings"
	"time"
)

// Artifact file names under a run's storage prefix.
const (
	SeedFile     = "seed.json"
	NewsDataFile = "news_data.json"
	DialogueFile = "dialogue.json"
	AudioFile    = "audio.mp3"
	TimelineFile = "timeline.json"
	ImagesDir    = "images"
	ManifestFile = "images.json"
	VideoFile    = "video.mp4"
	MetadataFile = "yt_metadata.json"
	UploadFile   = "yt_upload.json"
)

const idTimeLayout = "2006-01-02_15-04-05"

// NewRunID derives a run id from a creation timestamp (UTC).
func NewRunID(t time.Time) string {
	return "run_" + t.UTC().Format(idTimeLayout)
}

// ParseRunID extracts the creation time encoded in a run id.
func ParseRunID(id string) (time.Time, error) {
	raw, ok := strings.CutPrefix(id, "run_")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid run id %q", id)
	}
	t, err := time.Parse(idTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	return t.UTC(), nil
}

// Seed records the news item a run was created from.
type Seed struct {
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	NewsItemID string    `json:"news_item_id"`
	Title      string    `json:"title"`
	Category   string    `json:"category"`
	Source     string    `json:"source"`
}

// Dialogue is the generated two-speaker script.
type Dialogue struct {
	Title    string         `json:"title"`
	Language string         `json:"language"`
	Lines    []DialogueLine `json:"lines"`
}

// DialogueLine is one spoken line.
type DialogueLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Timeline maps dialogue lines to audio segments.
type Timeline struct {
	Segments []TimelineSegment `json:"segments"`
}

// TimelineSegment covers one dialogue line in milliseconds.
type TimelineSegment struct {
	Index   int `json:"index"`
	StartMS int `json:"start_ms"`
	EndMS   int `json:"end_ms"`
}

// ImageManifest lists the generated images for a run.
type ImageManifest struct {
	Images []ImageEntry `json:"images"`
}

// ImageEntry describes one generated image.
type ImageEntry struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Prompt string `json:"prompt"`
}

// Metadata is the upload metadata artifact.
type Metadata struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	PublishAt   *time.Time `json:"publish_at,omitempty"`
}

// UploadReceipt records a completed upload.
type UploadReceipt struct {
	VideoID    string    `json:"video_id"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}
