package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
)

type createPublisherRequest struct {
	Name   string                     `json:"name"`
	Domain string                     `json:"domain"`
	Status string                     `json:"status"`
	Config *publisher.PublisherConfig `json:"config"`
}

func (s *Server) handleCreatePublisher(c echo.Context) error {
	var req createPublisherRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, common.ErrValidation("invalid request body", ""))
	}
	if req.Name == "" {
		return respondError(c, common.ErrValidation("name is required", "name"))
	}
	if req.Domain == "" {
		return respondError(c, common.ErrValidation("domain is required", "domain"))
	}

	p := &publisher.Publisher{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Domain: req.Domain,
		Status: req.Status,
	}
	if p.Status == "" {
		p.Status = publisher.StatusActive
	}
	if !publisher.ValidStatuses[p.Status] {
		return respondError(c, common.ErrValidation("invalid status "+p.Status, "status"))
	}
	if req.Config != nil {
		p.Config = *req.Config
	} else {
		p.Config = publisher.DefaultConfig()
	}
	p.Config.Normalize()
	if err := p.Config.Validate(); err != nil {
		return respondError(c, common.ErrValidation(err.Error(), "config"))
	}

	if err := s.ledger.Create(c.Request().Context(), p); err != nil {
		return respondError(c, err)
	}

	// The api key is returned exactly once, at creation.
	return respond(c, http.StatusCreated, "publisher created", map[string]interface{}{
		"publisher": p,
		"api_key":   p.APIKey,
	})
}

func (s *Server) handleGetPublisher(c echo.Context) error {
	p, err := s.ledger.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, "publisher loaded", p)
}

func (s *Server) handleListPublishers(c echo.Context) error {
	page, pageSize := 1, 50
	if v := c.QueryParam("page"); v != "" {
		if err := echo.QueryParamsBinder(c).Int("page", &page).BindError(); err != nil {
			return respondError(c, common.ErrValidation("invalid page", "page"))
		}
	}
	if v := c.QueryParam("page_size"); v != "" {
		if err := echo.QueryParamsBinder(c).Int("page_size", &pageSize).BindError(); err != nil {
			return respondError(c, common.ErrValidation("invalid page_size", "page_size"))
		}
	}

	rows, total, err := s.ledger.List(c.Request().Context(), c.QueryParam("status"), page, pageSize)
	if err != nil {
		return respondError(c, err)
	}
	return respondWithMeta(c, http.StatusOK, "publishers listed", rows, map[string]interface{}{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type updatePublisherRequest struct {
	Name   *string                    `json:"name"`
	Status *string                    `json:"status"`
	Config *publisher.PublisherConfig `json:"config"`
}

func (s *Server) handleUpdatePublisher(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.ledger.GetByID(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}

	var req updatePublisherRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, common.ErrValidation("invalid request body", ""))
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Status != nil {
		if !publisher.ValidStatuses[*req.Status] {
			return respondError(c, common.ErrValidation("invalid status "+*req.Status, "status"))
		}
		p.Status = *req.Status
	}
	if req.Config != nil {
		p.Config = *req.Config
		p.Config.Normalize()
		if err := p.Config.Validate(); err != nil {
			return respondError(c, common.ErrValidation(err.Error(), "config"))
		}
	}

	if err := s.ledger.Update(ctx, p); err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, "publisher updated", p)
}

func (s *Server) handleRegenerateAPIKey(c echo.Context) error {
	key, err := s.ledger.RegenerateAPIKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, "api key regenerated", map[string]string{
		"api_key": key,
	})
}

type reprocessRequest struct {
	BlogURL     string `json:"blog_url"`
	PublisherID string `json:"publisher_id"`
	Reason      string `json:"reason"`
}

// handleReprocess pushes a terminal queue entry back to queued. Entries
// still moving through the pipeline conflict.
func (s *Server) handleReprocess(c echo.Context) error {
	ctx := c.Request().Context()

	var req reprocessRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, common.ErrValidation("invalid request body", ""))
	}
	url, err := common.NormalizeURL(req.BlogURL)
	if err != nil {
		return respondError(c, common.ErrValidation(err.Error(), "blog_url"))
	}

	entry, err := s.queue.GetByURL(ctx, url)
	if err != nil {
		return respondError(c, err)
	}

	switch entry.Status {
	case queuestore.StatusQueued, queuestore.StatusProcessing, queuestore.StatusRetry:
		return respondError(c, common.ErrQueueConflict("blog is already in the pipeline with status "+entry.Status))
	case queuestore.StatusFailed:
		if _, err := s.queue.AtomicRequeueFailed(ctx, url); err != nil {
			return respondError(c, err)
		}
	case queuestore.StatusCompleted:
		_, err := s.queue.AtomicUpdateStatus(ctx, url,
			[]string{queuestore.StatusCompleted}, queuestore.StatusQueued,
			func(e *queuestore.Entry) {
				now := time.Now().UTC()
				e.AttemptCount = 0
				e.ErrorType = ""
				e.ErrorMessage = ""
				e.SkipReason = ""
				e.WorkerID = ""
				e.CompletedAt = nil
				e.ReprocessedCount++
				e.WasPreviouslyCompleted = true
				e.LastReprocessedAt = &now
			})
		if err != nil {
			if errors.Is(err, queuestore.ErrConflict) {
				return respondError(c, common.ErrQueueConflict("blog state changed concurrently"))
			}
			return respondError(c, err)
		}
	default:
		return respondError(c, common.ErrQueueConflict("blog cannot be reprocessed from status "+entry.Status))
	}

	s.logger.WithFields(map[string]interface{}{
		"url":    url,
		"reason": req.Reason,
	}).Info("blog requeued by admin")

	return respond(c, http.StatusOK, "blog requeued", map[string]string{
		"url":    url,
		"status": queuestore.StatusQueued,
	})
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.queue.GetStats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, "queue stats", stats)
}

func (s *Server) handleJobStatus(c echo.Context) error {
	ctx := c.Request().Context()
	url, err := common.NormalizeURL(c.QueryParam("url"))
	if err != nil {
		return respondError(c, common.ErrValidation(err.Error(), "url"))
	}
	entry, err := s.queue.GetByURL(ctx, url)
	if err != nil {
		return respondError(c, err)
	}

	demand, err := s.thresholds.GetCount(ctx, url, entry.PublisherID)
	if err != nil {
		s.logger.WithError(err).WithField("url", url).Warn("demand count lookup failed")
	}
	return respond(c, http.StatusOK, "job status", map[string]interface{}{
		"job":          entry,
		"demand_count": demand,
	})
}

type summaryView struct {
	URL                string    `json:"url"`
	PublisherID        string    `json:"publisher_id"`
	Domain             string    `json:"domain"`
	Title              string    `json:"title"`
	TriggeredNoOfTimes int       `json:"triggered_no_of_times"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// handleListSummaries inventories processed blogs for a domain, most
// recently updated first.
func (s *Server) handleListSummaries(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return respondError(c, common.ErrValidation("domain is required", "domain"))
	}
	domain = common.NormalizeDomain(domain)

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return respondError(c, common.ErrValidation("invalid limit", "limit"))
		}
	}

	summaries, err := s.store.ListSummariesByDomain(c.Request().Context(), domain, limit)
	if err != nil {
		return respondError(c, err)
	}

	views := make([]*summaryView, len(summaries))
	for i, sum := range summaries {
		views[i] = &summaryView{
			URL:                sum.URL,
			PublisherID:        sum.PublisherID,
			Domain:             sum.Domain,
			Title:              sum.Title,
			TriggeredNoOfTimes: sum.TriggeredNoOfTimes,
			UpdatedAt:          sum.UpdatedAt,
		}
	}
	return respondWithMeta(c, http.StatusOK, "summaries listed", views, map[string]interface{}{
		"total": len(views),
	})
}
