package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"newsreel/internal/run"
	"newsreel/internal/tenant"
)

const uploadEndpoint = "https://www.googleapis.com/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Uploader performs resumable YouTube uploads using per-tenant OAuth
// credentials stored in the tenant's credentials directory
// (client_secret.json and token.json).
type Uploader struct {
	httpTimeout time.Duration
}

// NewUploader builds an uploader.
func NewUploader(httpTimeout time.Duration) *Uploader {
	if httpTimeout == 0 {
		httpTimeout = 10 * time.Minute
	}
	return &Uploader{httpTimeout: httpTimeout}
}

type clientSecret struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
}

func (u *Uploader) client(ctx context.Context, tn tenant.Tenant) (*http.Client, error) {
	secretRaw, err := os.ReadFile(filepath.Join(tn.CredentialsDir, "client_secret.json"))
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	var secret clientSecret
	if err := json.Unmarshal(secretRaw, &secret); err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}

	tokenRaw, err := os.ReadFile(filepath.Join(tn.CredentialsDir, "token.json"))
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenRaw, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     secret.Installed.ClientID,
		ClientSecret: secret.Installed.ClientSecret,
		Endpoint:     googleEndpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.upload"},
	}
	client := conf.Client(ctx, &token)
	client.Timeout = u.httpTimeout
	return client, nil
}

type uploadSnippet struct {
	Snippet struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags,omitempty"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus string `json:"privacyStatus"`
		PublishAt     string `json:"publishAt,omitempty"`
	} `json:"status"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload pushes a rendered video with its metadata and returns the receipt.
// A scheduled publish time makes the video private until YouTube flips it.
func (u *Uploader) Upload(ctx context.Context, tn tenant.Tenant, videoPath string, meta run.Metadata) (run.UploadReceipt, error) {
	client, err := u.client(ctx, tn)
	if err != nil {
		return run.UploadReceipt{}, err
	}

	var snippet uploadSnippet
	snippet.Snippet.Title = meta.Title
	snippet.Snippet.Description = meta.Description
	snippet.Snippet.Tags = meta.Tags
	if meta.PublishAt != nil {
		snippet.Status.PrivacyStatus = "private"
		snippet.Status.PublishAt = meta.PublishAt.UTC().Format(time.RFC3339)
	} else {
		snippet.Status.PrivacyStatus = "public"
	}
	body, err := json.Marshal(snippet)
	if err != nil {
		return run.UploadReceipt{}, fmt.Errorf("marshal snippet: %w", err)
	}

	sessionURL, err := u.startSession(ctx, client, body)
	if err != nil {
		return run.UploadReceipt{}, err
	}

	videoID, err := u.putVideo(ctx, client, sessionURL, videoPath)
	if err != nil {
		return run.UploadReceipt{}, err
	}
	return run.UploadReceipt{
		VideoID:    videoID,
		URL:        "https://www.youtube.com/watch?v=" + videoID,
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (u *Uploader) startSession(ctx context.Context, client *http.Client, snippet []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadEndpoint, bytes.NewReader(snippet))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "video/mp4")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start upload session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start upload session: status %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("start upload session: missing location header")
	}
	return location, nil
}

func (u *Uploader) putVideo(ctx context.Context, client *http.Client, sessionURL, videoPath string) (string, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat video: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, f)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("upload video: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	var ur uploadResponse
	if err := json.Unmarshal(raw, &ur); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if ur.ID == "" {
		return "", fmt.Errorf("upload response missing video id")
	}
	return ur.ID, nil
}
