// Package artifacts stores the durable outputs of the pipeline in
// CouchDB: raw crawled blog content, LLM summaries with their embedding
// vectors, and generated questions. Content and summaries are keyed by
// the normalized blog URL; questions carry their own IDs and point back
// at the URL.
package artifacts

import "time"

// BlogContent is a raw crawled article, keyed by its normalized URL.
type BlogContent struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`

	URL         string            `json:"url"`
	PublisherID string            `json:"publisher_id"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Language    string            `json:"language,omitempty"`
	WordCount   int               `json:"word_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// TriggeredNoOfTimes counts pipeline runs over this blog. The worker
	// increments it once per run and gates the LLM stages on it; living
	// on the artifact, it survives queue-entry reaping.
	TriggeredNoOfTimes int `json:"triggered_no_of_times"`

	CrawledAt time.Time `json:"crawled_at"`
}

// Summary is the LLM summary of a blog plus its embedding vector,
// keyed by the normalized URL.
type Summary struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`

	URL         string    `json:"url"`
	PublisherID string    `json:"publisher_id"`
	Domain      string    `json:"domain"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	KeyPoints   []string  `json:"key_points,omitempty"`
	Model       string    `json:"model"`
	Embedding   []float64 `json:"embedding,omitempty"`

	// TriggeredNoOfTimes mirrors the blog's demand count at the time the
	// summary was produced.
	TriggeredNoOfTimes int `json:"triggered_no_of_times"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Question is one generated question/answer pair for a blog.
type Question struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`

	URL           string    `json:"url"`
	PublisherID   string    `json:"publisher_id"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	KeywordAnchor string    `json:"keyword_anchor,omitempty"`
	Position      int       `json:"position"`
	ClickCount    int       `json:"click_count"`
	Model         string    `json:"model"`
	Embedding     []float64 `json:"embedding,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
}
