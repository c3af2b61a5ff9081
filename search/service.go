package search

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
)

// Match is one similarity search hit.
type Match struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SummarySource is the slice of the artifact store the fallback path
// needs.
type SummarySource interface {
	GetSummaryByURL(ctx context.Context, url string) (*artifacts.Summary, error)
	ListSummariesByPublisher(ctx context.Context, publisherID string, limit int) ([]*artifacts.Summary, error)
}

// Vectors is the slice of the Qdrant store the service needs. Nil means
// no vector backend is configured and cosine fallback is in effect.
type Vectors interface {
	UpsertSummary(ctx context.Context, url, publisherID, title, summary string, embedding []float64) error
	DeleteByURL(ctx context.Context, url string) error
	Search(ctx context.Context, publisherID string, embedding []float64, topK int) ([]Match, error)
}

// Service answers similarity queries, preferring Qdrant and falling
// back to cosine ranking over stored summaries.
type Service struct {
	vectors  Vectors
	source   SummarySource
	embedder Embedder
	logger   *logrus.Entry
}

// NewService builds the search service. vectors may be nil.
func NewService(vectors Vectors, source SummarySource, embedder Embedder) *Service {
	return &Service{
		vectors:  vectors,
		source:   source,
		embedder: embedder,
		logger:   common.Logger.WithField("component", "search"),
	}
}

// IndexSummary makes a freshly processed summary searchable. Without a
// vector backend this is a no-op: the fallback reads summaries straight
// from the artifact store.
func (s *Service) IndexSummary(ctx context.Context, summary *artifacts.Summary) error {
	if s.vectors == nil || len(summary.Embedding) == 0 {
		return nil
	}
	return s.vectors.UpsertSummary(ctx, summary.URL, summary.PublisherID, summary.Title, summary.Summary, summary.Embedding)
}

// RemoveURL drops a blog from the index after deletion.
func (s *Service) RemoveURL(ctx context.Context, url string) error {
	if s.vectors == nil {
		return nil
	}
	return s.vectors.DeleteByURL(ctx, url)
}

// SimilarByText finds the blogs most similar to a free-text query.
func (s *Service) SimilarByText(ctx context.Context, publisherID, query string, topK int) ([]Match, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.rank(ctx, publisherID, embedding, "", topK)
}

// SimilarByEmbedding finds the blogs most similar to a precomputed
// vector, excluding excludeURL. Used when the seed is a stored question
// that already carries its embedding.
func (s *Service) SimilarByEmbedding(ctx context.Context, publisherID string, embedding []float64, excludeURL string, topK int) ([]Match, error) {
	matches, err := s.rank(ctx, publisherID, embedding, excludeURL, topK+1)
	if err != nil {
		return nil, err
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// SimilarToURL finds the blogs most similar to an already-processed
// blog, excluding the blog itself.
func (s *Service) SimilarToURL(ctx context.Context, publisherID, url string, topK int) ([]Match, error) {
	summary, err := s.source.GetSummaryByURL(ctx, url)
	if err != nil {
		return nil, err
	}

	embedding := summary.Embedding
	if len(embedding) == 0 {
		embedding, err = s.embedder.Embed(ctx, summary.Summary)
		if err != nil {
			return nil, err
		}
	}

	// Ask for one extra so dropping the subject still fills topK.
	matches, err := s.rank(ctx, publisherID, embedding, url, topK+1)
	if err != nil {
		return nil, err
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Service) rank(ctx context.Context, publisherID string, embedding []float64, excludeURL string, topK int) ([]Match, error) {
	if s.vectors != nil {
		matches, err := s.vectors.Search(ctx, publisherID, embedding, topK+1)
		if err == nil {
			return exclude(matches, excludeURL, topK), nil
		}
		s.logger.WithError(err).Warn("vector search failed, falling back to cosine scan")
	}
	return s.cosineScan(ctx, publisherID, embedding, excludeURL, topK)
}

func (s *Service) cosineScan(ctx context.Context, publisherID string, embedding []float64, excludeURL string, topK int) ([]Match, error) {
	summaries, err := s.source.ListSummariesByPublisher(ctx, publisherID, 0)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	var matches []Match
	for _, summary := range summaries {
		if summary.URL == excludeURL || len(summary.Embedding) == 0 {
			continue
		}
		matches = append(matches, Match{
			URL:     summary.URL,
			Title:   summary.Title,
			Summary: summary.Summary,
			Score:   CosineSimilarity(embedding, summary.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func exclude(matches []Match, url string, topK int) []Match {
	if url == "" {
		if len(matches) > topK {
			return matches[:topK]
		}
		return matches
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.URL != url {
			kept = append(kept, m)
		}
	}
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

// CosineSimilarity computes the cosine of the angle between two
// vectors. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
