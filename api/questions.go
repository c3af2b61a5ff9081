package api

import (
	"errors"
	"net/http"
	neturl "net/url"

	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/common"
)

// handleQuestionsByURL returns the stored questions for a blog, shuffled,
// with blog metadata. 404 when the blog has no questions yet.
func (s *Server) handleQuestionsByURL(c echo.Context) error {
	pub := currentPublisher(c)
	url, err := normalizeOwnedURL(pub, c.QueryParam("blog_url"))
	if err != nil {
		return respondError(c, err)
	}

	questions, err := s.store.GetQuestionsByURL(c.Request().Context(), url)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return respondError(c, err)
	}
	if len(questions) == 0 {
		return respondError(c, common.ErrNotFoundWith("no questions for this blog"))
	}

	blog, err := s.blogMetadata(c, url)
	if err != nil {
		return respondError(c, err)
	}

	return respond(c, http.StatusOK, "questions loaded", map[string]interface{}{
		"questions": shuffledViews(questions),
		"blog":      blog,
	})
}

// handleQuestionByID returns one question document without its
// embedding, click counter or click timestamp.
func (s *Server) handleQuestionByID(c echo.Context) error {
	pub := currentPublisher(c)
	id := c.Param("question_id")

	question, err := s.store.GetQuestionByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	if question.PublisherID != pub.ID {
		return respondError(c, common.ErrNotFoundWith("question not found"))
	}

	return respond(c, http.StatusOK, "question loaded", map[string]interface{}{
		"id":             question.ID,
		"url":            question.URL,
		"question":       question.Question,
		"answer":         question.Answer,
		"keyword_anchor": question.KeywordAnchor,
		"position":       question.Position,
		"model":          question.Model,
		"created_at":     question.CreatedAt,
	})
}

// handleDeleteBlog cascades: artifacts, queue entry, search index. The
// blog id path segment is the path-escaped blog URL.
func (s *Server) handleDeleteBlog(c echo.Context) error {
	ctx := c.Request().Context()
	raw := c.Param("blog_id")
	if decoded, err := neturl.PathUnescape(raw); err == nil {
		raw = decoded
	}
	url, err := common.NormalizeURL(raw)
	if err != nil {
		return respondError(c, common.ErrValidation(err.Error(), "blog_id"))
	}

	if err := s.store.DeleteBlog(ctx, url); err != nil {
		return respondError(c, err)
	}
	if err := s.queue.DeleteByURL(ctx, url); err != nil {
		return respondError(c, err)
	}
	if err := s.searcher.RemoveURL(ctx, url); err != nil {
		s.logger.WithError(err).WithField("url", url).Warn("search index removal failed")
	}

	return respond(c, http.StatusOK, "blog deleted", map[string]string{"url": url})
}
