package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/llm"
	"github.com/amitspk/blogwidget/search"
)

const (
	defaultSimilarLimit = 5
	maxSimilarLimit     = 20
	chatMaxTokensCap    = 350
)

type similarRequest struct {
	QuestionID string `json:"question_id"`
	BlogURL    string `json:"blog_url"`
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
}

type similarBlogView struct {
	BlogID          string  `json:"blog_id"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	SimilarityScore float64 `json:"similarity_score"`
}

// handleSimilar finds blogs similar to a seed: a stored question (its
// embedding, counting a click), an already-processed blog, or a
// free-text query.
func (s *Server) handleSimilar(c echo.Context) error {
	ctx := c.Request().Context()
	pub := currentPublisher(c)

	var req similarRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, common.ErrValidation("invalid request body", ""))
	}
	if req.Limit <= 0 {
		req.Limit = defaultSimilarLimit
	}
	if req.Limit > maxSimilarLimit {
		req.Limit = maxSimilarLimit
	}

	switch {
	case req.QuestionID != "":
		return s.similarByQuestion(c, req)
	case req.BlogURL != "":
		url, err := normalizeOwnedURL(pub, req.BlogURL)
		if err != nil {
			return respondError(c, err)
		}
		matches, err := s.searcher.SimilarToURL(ctx, pub.ID, url, req.Limit)
		if err != nil {
			return respondError(c, err)
		}
		return respondSimilar(c, matches)
	case req.Query != "":
		matches, err := s.searcher.SimilarByText(ctx, pub.ID, req.Query, req.Limit)
		if err != nil {
			return respondError(c, err)
		}
		return respondSimilar(c, matches)
	default:
		return respondError(c, common.ErrValidation("one of question_id, blog_url or query is required", "question_id"))
	}
}

// similarByQuestion seeds from the question's stored embedding. Each
// call counts as a click on the seed question.
func (s *Server) similarByQuestion(c echo.Context, req similarRequest) error {
	ctx := c.Request().Context()
	pub := currentPublisher(c)

	question, err := s.store.GetQuestionByID(ctx, req.QuestionID)
	if err != nil {
		return respondError(c, err)
	}
	if question.PublisherID != pub.ID {
		return respondError(c, common.ErrNotFoundWith("question not found"))
	}

	if _, err := s.store.IncrementQuestionClickCount(ctx, question.ID); err != nil {
		s.logger.WithError(err).WithField("question_id", question.ID).Warn("click count increment failed")
	}

	embedding := question.Embedding
	if len(embedding) == 0 {
		// Questions written before vectors were stored: fall back to the
		// blog's summary vector.
		summary, err := s.store.GetSummaryByURL(ctx, question.URL)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return respondError(c, common.ErrNotFoundWith("no embedding available for this question"))
			}
			return respondError(c, err)
		}
		embedding = summary.Embedding
	}
	if len(embedding) == 0 {
		return respondError(c, common.ErrNotFoundWith("no embedding available for this question"))
	}

	matches, err := s.searcher.SimilarByEmbedding(ctx, pub.ID, embedding, question.URL, req.Limit)
	if err != nil {
		return respondError(c, err)
	}
	return respondSimilar(c, matches)
}

func respondSimilar(c echo.Context, matches []search.Match) error {
	views := make([]*similarBlogView, len(matches))
	for i, m := range matches {
		views[i] = &similarBlogView{
			BlogID:          m.URL,
			URL:             m.URL,
			Title:           m.Title,
			SimilarityScore: m.Score,
		}
	}
	return respond(c, http.StatusOK, "similar blogs", map[string]interface{}{
		"similar_blogs": views,
	})
}

type askRequest struct {
	Question string `json:"question"`
	BlogURL  string `json:"blog_url"`
}

// handleAsk answers a free-form reader question. When a blog URL is
// given, the blog's summary grounds the answer.
func (s *Server) handleAsk(c echo.Context) error {
	ctx := c.Request().Context()
	pub := currentPublisher(c)

	var req askRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, common.ErrValidation("invalid request body", ""))
	}
	if req.Question == "" {
		return respondError(c, common.ErrValidation("question is required", "question"))
	}

	var summaryText string
	if req.BlogURL != "" {
		url, err := normalizeOwnedURL(pub, req.BlogURL)
		if err != nil {
			return respondError(c, err)
		}
		summary, err := s.store.GetSummaryByURL(ctx, url)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return respondError(c, err)
		}
		if summary != nil {
			summaryText = summary.Summary
		}
	}

	cfg := pub.Config
	cfg.Normalize()
	maxTokens := cfg.ChatMaxTokens
	if maxTokens > chatMaxTokensCap {
		maxTokens = chatMaxTokensCap
	}

	answer, err := s.answerer.Answer(ctx, llm.ChatRequest{
		Summary:     summaryText,
		Question:    req.Question,
		Model:       cfg.ChatModel,
		Temperature: cfg.ChatTemperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return respondError(c, err)
	}

	return respond(c, http.StatusOK, "answer generated", map[string]string{
		"answer": answer,
	})
}
