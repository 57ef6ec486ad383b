package news

import "context"

// Item is one news candidate. Selection only depends on id, category, rating
// and content; everything else is carried through to the seed artifact.
type Item struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Rating     float64 `json:"rating"`
	TotalVotes int     `json:"total_votes"`
	Source     string  `json:"source"`
}

// Digest is one fetch of a tenant's news source.
type Digest struct {
	Title       string `json:"title"`
	PublishDate string `json:"publish_date"`
	Items       []Item `json:"items"`
}

// Source fetches the day's candidate items for a named source.
type Source interface {
	FetchNews(ctx context.Context, sourceID string) (Digest, error)
}
