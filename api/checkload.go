package api

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
)

// Check-and-load states returned to the widget.
const (
	StateReady           = "ready"
	StateThresholdNotMet = "threshold_not_met"
	StateNotStarted      = "not_started"
	StateQueued          = "queued"
	StateProcessing      = "processing"
	StateRetry           = "retry"
	StateFailed          = "failed"
	StateUnknown         = "unknown"
)

type checkAndLoadResult struct {
	State        string            `json:"state"`
	Questions    []*questionView   `json:"questions,omitempty"`
	Blog         *blogMetadataView `json:"blog,omitempty"`
	CurrentCount int64             `json:"current_count,omitempty"`
	Threshold    int               `json:"threshold,omitempty"`
	QueueStatus  string            `json:"queue_status,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
}

type blogMetadataView struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Language  string    `json:"language,omitempty"`
	WordCount int       `json:"word_count,omitempty"`
	CrawledAt time.Time `json:"crawled_at,omitempty"`
}

type questionView struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	KeywordAnchor string `json:"keyword_anchor,omitempty"`
	Position      int    `json:"position"`
}

func toQuestionView(q *artifacts.Question) *questionView {
	return &questionView{
		ID:            q.ID,
		Question:      q.Question,
		Answer:        q.Answer,
		KeywordAnchor: q.KeywordAnchor,
		Position:      q.Position,
	}
}

func shuffledViews(questions []*artifacts.Question) []*questionView {
	views := make([]*questionView, len(questions))
	for i, q := range questions {
		views[i] = toQuestionView(q)
	}
	rand.Shuffle(len(views), func(i, j int) { views[i], views[j] = views[j], views[i] })
	return views
}

// handleCheckAndLoad is the widget fast path: return questions if they
// exist, otherwise admit the blog into the pipeline when demand crosses
// the publisher's threshold.
func (s *Server) handleCheckAndLoad(c echo.Context) error {
	ctx := c.Request().Context()
	pub := currentPublisher(c)

	url, err := normalizeOwnedURL(pub, c.QueryParam("blog_url"))
	if err != nil {
		return respondError(c, err)
	}

	// Artifacts already there: no queue traffic at all.
	questions, err := s.store.GetQuestionsByURL(ctx, url)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return respondError(c, err)
	}
	if len(questions) > 0 {
		blog, err := s.blogMetadata(c, url)
		if err != nil {
			return respondError(c, err)
		}
		return respond(c, http.StatusOK, "questions ready", &checkAndLoadResult{
			State:     StateReady,
			Questions: shuffledViews(questions),
			Blog:      blog,
		})
	}

	// Demand gate before any queue mutation.
	count, err := s.thresholds.IncrementAndGetCount(ctx, url, pub.ID)
	if err != nil {
		return respondError(c, err)
	}
	threshold := pub.Config.ThresholdBeforeProcessingBlog
	if count <= int64(threshold) {
		return respond(c, http.StatusOK, "demand below threshold", &checkAndLoadResult{
			State:        StateThresholdNotMet,
			CurrentCount: count,
			Threshold:    threshold,
		})
	}

	entry, created, err := s.queue.AtomicGetOrCreate(ctx, &queuestore.Entry{
		ID:          url,
		URL:         url,
		PublisherID: pub.ID,
		Status:      queuestore.StatusQueued,
		MaxRetries:  s.maxRetries,
	})
	if err != nil {
		return respondError(c, err)
	}

	if created {
		return s.admitNewEntry(c, pub, url)
	}

	switch entry.Status {
	case queuestore.StatusQueued, queuestore.StatusProcessing, queuestore.StatusRetry:
		return respond(c, http.StatusOK, "blog is in the pipeline", &checkAndLoadResult{
			State:       entry.Status,
			QueueStatus: entry.Status,
			Attempts:    entry.AttemptCount,
		})
	case queuestore.StatusCompleted:
		// Completed entry but step 2 found no questions: the stores
		// disagree. Requeue and let the pipeline rebuild the artifacts.
		return s.requeueCompleted(c, url)
	case queuestore.StatusFailed:
		return s.requeueFailed(c, pub, url, entry)
	default:
		return respond(c, http.StatusOK, "unknown queue state", &checkAndLoadResult{
			State:       StateUnknown,
			QueueStatus: entry.Status,
		})
	}
}

// admitNewEntry validates whitelist and quotas for a freshly created
// queue entry, deleting it again if admission fails.
func (s *Server) admitNewEntry(c echo.Context, pub *publisher.Publisher, url string) error {
	ctx := c.Request().Context()

	if !publisher.WhitelistAllows(pub.Config.WhitelistedBlogURLs, url) {
		s.rollbackEntry(c, url)
		return respondError(c, common.ErrNotWhitelisted("url is not on the publisher whitelist"))
	}

	if err := s.checkDailyLimit(c, pub); err != nil {
		s.rollbackEntry(c, url)
		return respondError(c, err)
	}

	if err := s.ledger.ReserveBlogSlot(ctx, pub.ID); err != nil {
		s.rollbackEntry(c, url)
		if errors.Is(err, publisher.ErrUsageLimitExceeded) {
			return respondError(c, common.ErrUsageLimitExceeded("lifetime blog budget exhausted"))
		}
		return respondError(c, err)
	}

	return respond(c, http.StatusOK, "blog admitted for processing", &checkAndLoadResult{
		State:       StateNotStarted,
		QueueStatus: queuestore.StatusQueued,
	})
}

func (s *Server) rollbackEntry(c echo.Context, url string) {
	if err := s.queue.DeleteByURL(c.Request().Context(), url); err != nil {
		s.logger.WithError(err).WithField("url", url).Error("compensating queue delete failed")
	}
}

func (s *Server) checkDailyLimit(c echo.Context, pub *publisher.Publisher) error {
	if pub.Config.DailyBlogLimit == nil {
		return nil
	}
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	completed, err := s.queue.CountCompletedSince(c.Request().Context(), pub.ID, midnight)
	if err != nil {
		return err
	}
	if completed >= *pub.Config.DailyBlogLimit {
		return common.ErrDailyLimitExceeded(fmt.Sprintf("daily blog limit of %d reached", *pub.Config.DailyBlogLimit))
	}
	return nil
}

// requeueCompleted handles the completed-but-no-questions disagreement.
// If the compare-and-set loses a race, the actual current status wins.
func (s *Server) requeueCompleted(c echo.Context, url string) error {
	ctx := c.Request().Context()
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
	if err == nil {
		return respond(c, http.StatusOK, "blog requeued for processing", &checkAndLoadResult{
			State:       StateQueued,
			QueueStatus: queuestore.StatusQueued,
		})
	}
	if !errors.Is(err, queuestore.ErrConflict) {
		return respondError(c, err)
	}

	current, err := s.queue.GetByURL(ctx, url)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, "blog is in the pipeline", &checkAndLoadResult{
		State:       current.Status,
		QueueStatus: current.Status,
	})
}

// requeueFailed gives a terminally failed blog another chance: reset
// attempts, re-reserve a slot, and revert on reservation failure.
func (s *Server) requeueFailed(c echo.Context, pub *publisher.Publisher, url string, entry *queuestore.Entry) error {
	ctx := c.Request().Context()

	if _, err := s.queue.AtomicRequeueFailed(ctx, url); err != nil {
		if errors.Is(err, queuestore.ErrConflict) {
			// Someone else moved it first; report what we saw.
			return respond(c, http.StatusOK, "blog failed processing", &checkAndLoadResult{
				State:       StateFailed,
				QueueStatus: entry.Status,
				ErrorType:   entry.ErrorType,
			})
		}
		return respondError(c, err)
	}

	if err := s.ledger.ReserveBlogSlot(ctx, pub.ID); err != nil {
		if _, revertErr := s.queue.AtomicUpdateStatus(ctx, url,
			[]string{queuestore.StatusQueued}, queuestore.StatusFailed, nil); revertErr != nil {
			s.logger.WithError(revertErr).WithField("url", url).Error("failed to revert requeue after reservation failure")
		}
		if errors.Is(err, publisher.ErrUsageLimitExceeded) {
			return respondError(c, common.ErrUsageLimitExceeded("lifetime blog budget exhausted"))
		}
		return respondError(c, err)
	}

	return respond(c, http.StatusOK, "failed blog requeued", &checkAndLoadResult{
		State:       StateQueued,
		QueueStatus: queuestore.StatusQueued,
	})
}

// blogMetadata loads blog metadata with the batched lookup so ready
// responses cost one round trip.
func (s *Server) blogMetadata(c echo.Context, url string) (*blogMetadataView, error) {
	blogs, err := s.store.GetBlogsByURLs(c.Request().Context(), []string{url})
	if err != nil {
		return nil, err
	}
	blog, ok := blogs[url]
	if !ok {
		return &blogMetadataView{URL: url}, nil
	}
	return &blogMetadataView{
		URL:       blog.URL,
		Title:     blog.Title,
		Language:  blog.Language,
		WordCount: blog.WordCount,
		CrawledAt: blog.CrawledAt,
	}, nil
}
