// Package api exposes the public read API consumed by the embedded
// widget and the admin API used by operators. All responses share one
// envelope; publisher endpoints authenticate with a per-tenant api key,
// admin endpoints with the service admin key.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/config"
	"github.com/amitspk/blogwidget/llm"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
	"github.com/amitspk/blogwidget/search"
	"github.com/amitspk/blogwidget/version"
)

// Ledger is the slice of the publisher store the API needs.
type Ledger interface {
	Create(ctx context.Context, p *publisher.Publisher) error
	GetByID(ctx context.Context, id string) (*publisher.Publisher, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*publisher.Publisher, error)
	Update(ctx context.Context, p *publisher.Publisher) error
	List(ctx context.Context, status string, page, pageSize int) ([]publisher.Publisher, int64, error)
	RegenerateAPIKey(ctx context.Context, id string) (string, error)
	ReserveBlogSlot(ctx context.Context, id string) error
}

// Queue is the slice of the queue store the API needs.
type Queue interface {
	GetByURL(ctx context.Context, url string) (*queuestore.Entry, error)
	AtomicGetOrCreate(ctx context.Context, entry *queuestore.Entry) (*queuestore.Entry, bool, error)
	AtomicUpdateStatus(ctx context.Context, url string, fromStatuses []string, toStatus string, mutate func(*queuestore.Entry)) (*queuestore.Entry, error)
	AtomicRequeueFailed(ctx context.Context, url string) (*queuestore.Entry, error)
	CountCompletedSince(ctx context.Context, publisherID string, since time.Time) (int, error)
	DeleteByURL(ctx context.Context, url string) error
	GetStats(ctx context.Context) (*queuestore.Stats, error)
}

// Artifacts is the slice of the artifact store the API needs.
type Artifacts interface {
	GetBlogsByURLs(ctx context.Context, urls []string) (map[string]*artifacts.BlogContent, error)
	GetSummaryByURL(ctx context.Context, url string) (*artifacts.Summary, error)
	ListSummariesByDomain(ctx context.Context, domain string, limit int) ([]*artifacts.Summary, error)
	GetQuestionsByURL(ctx context.Context, url string) ([]*artifacts.Question, error)
	GetQuestionByID(ctx context.Context, id string) (*artifacts.Question, error)
	IncrementQuestionClickCount(ctx context.Context, id string) (int, error)
	DeleteBlog(ctx context.Context, url string) error
}

// Thresholds is the Redis demand counter.
type Thresholds interface {
	IncrementAndGetCount(ctx context.Context, url, publisherID string) (int64, error)
	GetCount(ctx context.Context, url, publisherID string) (int64, error)
}

// Answerer is the slice of the LLM service the Q&A endpoint needs.
type Answerer interface {
	Answer(ctx context.Context, req llm.ChatRequest) (string, error)
}

// Searcher answers similarity queries.
type Searcher interface {
	SimilarByEmbedding(ctx context.Context, publisherID string, embedding []float64, excludeURL string, topK int) ([]search.Match, error)
	SimilarToURL(ctx context.Context, publisherID, url string, topK int) ([]search.Match, error)
	SimilarByText(ctx context.Context, publisherID, query string, topK int) ([]search.Match, error)
	RemoveURL(ctx context.Context, url string) error
}

// Server wires the stores and services into an echo instance.
type Server struct {
	cfg        config.ServerConfig
	adminKey   string
	maxRetries int

	ledger     Ledger
	queue      Queue
	store      Artifacts
	thresholds Thresholds
	answerer   Answerer
	searcher   Searcher

	echo   *echo.Echo
	logger *logrus.Entry
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, adminKey string, maxRetries int,
	ledger Ledger, queue Queue, store Artifacts, thresholds Thresholds,
	answerer Answerer, searcher Searcher) *Server {
	s := &Server{
		cfg:        cfg,
		adminKey:   adminKey,
		maxRetries: maxRetries,
		ledger:     ledger,
		queue:      queue,
		store:      store,
		thresholds: thresholds,
		answerer:   answerer,
		searcher:   searcher,
		logger:     common.Logger.WithField("component", "api"),
	}
	s.echo = s.buildEcho()
	return s
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = s.cfg.Debug
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if s.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				headerAPIKey,
				headerAdminKey,
			},
		}))
	}
	e.Use(middleware.RequestID())
	if s.cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.cfg.RateLimit),
		)))
	}

	s.registerRoutes(e)
	return e
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)

	pub := e.Group("", s.publisherAuth)
	pub.GET("/questions/check-and-load", s.handleCheckAndLoad)
	pub.GET("/questions/by-url", s.handleQuestionsByURL)
	pub.GET("/questions/:question_id", s.handleQuestionByID)
	pub.POST("/search/similar", s.handleSimilar)
	pub.POST("/qa/ask", s.handleAsk)
	pub.GET("/publishers/metadata", s.handlePublisherMetadata)

	admin := e.Group("/admin", s.adminAuth)
	admin.POST("/publishers", s.handleCreatePublisher)
	admin.GET("/publishers", s.handleListPublishers)
	admin.GET("/publishers/:id", s.handleGetPublisher)
	admin.PUT("/publishers/:id", s.handleUpdatePublisher)
	admin.POST("/publishers/:id/regenerate-key", s.handleRegenerateAPIKey)
	admin.POST("/reprocess", s.handleReprocess)
	admin.GET("/queue-stats", s.handleQueueStats)
	admin.GET("/jobs/status", s.handleJobStatus)
	admin.GET("/summaries", s.handleListSummaries)

	e.DELETE("/questions/:blog_id", s.handleDeleteBlog, s.adminAuth)
}

// Echo exposes the underlying instance for tests and embedding.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.WithField("addr", addr).Info("api server starting")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return respond(c, http.StatusOK, "healthy", map[string]interface{}{
		"status":  "healthy",
		"version": version.Get(),
	})
}
