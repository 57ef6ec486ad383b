package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Frame is one slideshow image with its display duration, taken from the
// run's timeline segments.
type Frame struct {
	Path     string
	Duration time.Duration
}

// Renderer runs ffmpeg to build the slideshow video from frames and audio.
type Renderer struct {
	ffmpegPath string
}

// NewRenderer uses the given ffmpeg binary (name or path).
func NewRenderer(ffmpegPath string) *Renderer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Renderer{ffmpegPath: ffmpegPath}
}

// Render concatenates the frames over the audio track into outPath. The
// caller bounds the wait through ctx; ffmpeg is killed on expiry.
func (r *Renderer) Render(ctx context.Context, frames []Frame, audioPath, outPath string) error {
	if len(frames) == 0 {
		return fmt.Errorf("render: no frames")
	}

	listPath := filepath.Join(filepath.Dir(outPath), "frames.txt")
	if err := os.WriteFile(listPath, []byte(concatList(frames)), 0o644); err != nil {
		return fmt.Errorf("write frame list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-i", audioPath,
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("render: %w", ctx.Err())
		}
		return fmt.Errorf("render: %w: %s", err, lastLines(stderr.String(), 5))
	}
	return nil
}

// concatList builds an ffmpeg concat demuxer script. The final frame is
// repeated without a duration per the demuxer's requirement.
func concatList(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "file '%s'\n", f.Path)
		fmt.Fprintf(&b, "duration %.3f\n", f.Duration.Seconds())
	}
	fmt.Fprintf(&b, "file '%s'\n", frames[len(frames)-1].Path)
	return b.String()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
