// Package worker drains the processing queue: it claims jobs, crawls
// the blog, runs the LLM stages, stores the artifacts and drives the
// queue entry to a terminal state. A heartbeat keeps claimed jobs
// visibly alive; a stall monitor requeues jobs whose worker died; a
// reaper clears old terminal entries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/crawler"
	"github.com/amitspk/blogwidget/llm"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
)

// Queue is the slice of the queue store the worker needs.
type Queue interface {
	GetByURL(ctx context.Context, url string) (*queuestore.Entry, error)
	AtomicBatchPickSequential(ctx context.Context, workerID string, batchSize int) ([]*queuestore.Entry, error)
	AtomicUpdateStatus(ctx context.Context, url string, fromStatuses []string, toStatus string, mutate func(*queuestore.Entry)) (*queuestore.Entry, error)
	UpdateHeartbeat(ctx context.Context, url, workerID string) error
	FindStalled(ctx context.Context, cutoff time.Time, limit int) ([]*queuestore.Entry, error)
	ReapTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Artifacts is the slice of the artifact store the worker needs.
type Artifacts interface {
	GetBlogByURL(ctx context.Context, url string) (*artifacts.BlogContent, error)
	UpsertBlogContent(ctx context.Context, content *artifacts.BlogContent) error
	IncrementTriggeredCount(ctx context.Context, url string) (int, error)
	UpsertSummary(ctx context.Context, summary *artifacts.Summary) error
	ReplaceAllQuestions(ctx context.Context, url string, questions []*artifacts.Question) error
}

// Ledger is the slice of the publisher store the worker needs.
type Ledger interface {
	GetByID(ctx context.Context, id string) (*publisher.Publisher, error)
	ReleaseBlogSlot(ctx context.Context, id string, processed bool, questionsGenerated int) error
}

// Crawler fetches blog content.
type Crawler interface {
	Crawl(ctx context.Context, url string) (*crawler.Result, error)
}

// LLM runs the generation stages.
type LLM interface {
	Summarize(ctx context.Context, req llm.SummaryRequest) (*llm.SummaryOutput, error)
	GenerateQuestions(ctx context.Context, req llm.QuestionsRequest) ([]llm.GeneratedQuestion, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Indexer pushes summaries into the similarity index.
type Indexer interface {
	IndexSummary(ctx context.Context, summary *artifacts.Summary) error
}

// Config tunes the worker pool.
type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
	HeartbeatInterval time.Duration
	StallFactor       int
	ReaperTTL         time.Duration
}

// Pool is a polling worker pool.
type Pool struct {
	id      string
	cfg     Config
	queue   Queue
	store   Artifacts
	ledger  Ledger
	crawler Crawler
	llm     LLM
	indexer Indexer
	logger  *logrus.Entry
}

// New builds a worker pool with a fresh worker ID.
func New(cfg Config, queue Queue, store Artifacts, ledger Ledger, crawl Crawler, generator LLM, indexer Indexer) *Pool {
	id := "worker-" + uuid.New().String()[:8]
	return &Pool{
		id:      id,
		cfg:     cfg,
		queue:   queue,
		store:   store,
		ledger:  ledger,
		crawler: crawl,
		llm:     generator,
		indexer: indexer,
		logger:  common.Logger.WithField("worker_id", id),
	}
}

// Run polls the queue until the context is cancelled. In-flight jobs
// are allowed to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.WithFields(logrus.Fields{
		"poll_interval": p.cfg.PollInterval.String(),
		"batch_size":    p.cfg.BatchSize,
		"concurrency":   p.cfg.Concurrency,
	}).Info("worker pool starting")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.runStallMonitor(ctx) }()
	go func() { defer wg.Done(); p.runReaper(ctx) }()

	sem := make(chan struct{}, p.cfg.Concurrency)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Jobs run on a context detached from the poll loop's cancellation,
	// so a shutdown drains claimed work instead of stranding it in
	// processing until stall recovery.
	jobCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool draining")
			wg.Wait()
			return
		case <-ticker.C:
			entries, err := p.queue.AtomicBatchPickSequential(ctx, p.id, p.cfg.BatchSize)
			if err != nil {
				p.logger.WithError(err).Error("batch pick failed")
				continue
			}
			for _, entry := range entries {
				sem <- struct{}{}
				wg.Add(1)
				go func(entry *queuestore.Entry) {
					defer wg.Done()
					defer func() { <-sem }()
					p.processJob(jobCtx, entry)
				}(entry)
			}
		}
	}
}

// processJob runs one claimed queue entry to a terminal or retry state.
func (p *Pool) processJob(ctx context.Context, entry *queuestore.Entry) {
	logger := p.logger.WithFields(logrus.Fields{
		"url":          entry.URL,
		"publisher_id": entry.PublisherID,
		"attempt":      entry.AttemptCount,
	})
	logger.Info("processing job")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.runHeartbeat(hbCtx, entry.URL)

	outcome, err := p.execute(ctx, entry, logger)
	stopHeartbeat()

	if err != nil {
		p.fail(ctx, entry, err, logger)
		return
	}
	if outcome.skipped {
		p.completeSkipped(ctx, entry, outcome.skipReason, logger)
		return
	}
	p.complete(ctx, entry, outcome.questions, logger)
}

type jobOutcome struct {
	questions  int
	skipped    bool
	skipReason string
}

// execute performs the pipeline stages in order: publisher lookup,
// content retrieval, threshold gate, summary, questions, embeddings,
// ordered persists.
func (p *Pool) execute(ctx context.Context, entry *queuestore.Entry, logger *logrus.Entry) (*jobOutcome, error) {
	pub, err := p.ledger.GetByID(ctx, entry.PublisherID)
	if err != nil {
		return nil, fmt.Errorf("db_error: load publisher %s: %w", entry.PublisherID, err)
	}
	cfg := pub.Config
	cfg.Normalize()

	content, err := p.loadContent(ctx, entry, logger)
	if err != nil {
		return nil, err
	}

	// Demand gate: the blog's trigger counter is incremented on every
	// run; a blog that has not yet been asked for often enough is
	// completed as skipped rather than burned through the LLM. The
	// counter lives on the content document so demand accumulated by
	// skipped runs survives queue-entry reaping.
	triggered, err := p.store.IncrementTriggeredCount(ctx, entry.URL)
	if err != nil {
		return nil, err
	}
	if triggered <= cfg.ThresholdBeforeProcessingBlog {
		logger.WithFields(logrus.Fields{
			"triggered": triggered,
			"threshold": cfg.ThresholdBeforeProcessingBlog,
		}).Info("demand below processing threshold, skipping")
		return &jobOutcome{
			skipped:    true,
			skipReason: fmt.Sprintf("below processing threshold (%d/%d)", triggered, cfg.ThresholdBeforeProcessingBlog),
		}, nil
	}

	summaryOut, err := p.llm.Summarize(ctx, llm.SummaryRequest{
		Title:        content.Title,
		Content:      content.Content,
		Model:        cfg.SummaryModel,
		Temperature:  cfg.SummaryTemperature,
		MaxTokens:    cfg.SummaryMaxTokens,
		CustomPrompt: strValue(cfg.CustomSummaryPrompt),
	})
	if err != nil {
		return nil, err
	}

	generated, err := p.llm.GenerateQuestions(ctx, llm.QuestionsRequest{
		Title:        content.Title,
		Content:      content.Content,
		Model:        cfg.QuestionsModel,
		Count:        cfg.QuestionsPerBlog,
		Temperature:  cfg.QuestionsTemperature,
		MaxTokens:    cfg.QuestionsMaxTokens,
		CustomPrompt: strValue(cfg.CustomQuestionPrompt),
		Grounding:    cfg.GroundingEnabled(),
	})
	if err != nil {
		return nil, err
	}

	summaryVec, questionVecs, err := p.embedAll(ctx, summaryOut.Summary, generated)
	if err != nil {
		return nil, err
	}

	// Ordered persists: content with the LLM title, then summary, then
	// the replace-all of questions.
	if summaryOut.Title != "" {
		content.Title = summaryOut.Title
	}
	if err := p.store.UpsertBlogContent(ctx, content); err != nil {
		return nil, err
	}

	domain, _ := common.DomainOfURL(entry.URL)
	summary := &artifacts.Summary{
		URL:                entry.URL,
		PublisherID:        entry.PublisherID,
		Domain:             domain,
		Title:              content.Title,
		Summary:            summaryOut.Summary,
		KeyPoints:          summaryOut.KeyPoints,
		Model:              cfg.SummaryModel,
		Embedding:          summaryVec,
		TriggeredNoOfTimes: triggered,
	}
	if err := p.store.UpsertSummary(ctx, summary); err != nil {
		return nil, err
	}

	stored := make([]*artifacts.Question, len(generated))
	for i, q := range generated {
		stored[i] = &artifacts.Question{
			PublisherID:   entry.PublisherID,
			Question:      q.Question,
			Answer:        q.Answer,
			KeywordAnchor: q.KeywordAnchor,
			Model:         cfg.QuestionsModel,
			Embedding:     questionVecs[i],
		}
	}
	if err := p.store.ReplaceAllQuestions(ctx, entry.URL, stored); err != nil {
		return nil, err
	}

	if err := p.indexer.IndexSummary(ctx, summary); err != nil {
		logger.WithError(err).Warn("summary indexing failed")
	}

	return &jobOutcome{questions: len(stored)}, nil
}

// embedAll produces the summary vector and one vector per question,
// issuing the question embeddings concurrently. Embedding failures are
// fatal to the run.
func (p *Pool) embedAll(ctx context.Context, summary string, questions []llm.GeneratedQuestion) ([]float64, [][]float64, error) {
	summaryVec, err := p.llm.Embed(ctx, summary)
	if err != nil {
		return nil, nil, err
	}

	vecs := make([][]float64, len(questions))
	errs := make([]error, len(questions))
	var wg sync.WaitGroup
	for i, q := range questions {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			vecs[i], errs[i] = p.llm.Embed(ctx, text)
		}(i, q.Question+" "+q.Answer)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return summaryVec, vecs, nil
}

// loadContent reuses cached content when it still passes the quality
// gate, otherwise crawls fresh. A cache persist failure is non-fatal:
// processing continues with the in-memory result.
func (p *Pool) loadContent(ctx context.Context, entry *queuestore.Entry, logger *logrus.Entry) (*artifacts.BlogContent, error) {
	cached, err := p.store.GetBlogByURL(ctx, entry.URL)
	if err == nil && crawler.ValidateQuality(cached.Content) == nil {
		logger.Debug("reusing cached content")
		return cached, nil
	}
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	result, err := p.crawler.Crawl(ctx, entry.URL)
	if err != nil {
		return nil, err
	}

	content := &artifacts.BlogContent{
		URL:         entry.URL,
		PublisherID: entry.PublisherID,
		Title:       result.Title,
		Content:     result.Content,
		Language:    result.Language,
		WordCount:   result.WordCount,
		Metadata:    result.Metadata,
	}
	if err := p.store.UpsertBlogContent(ctx, content); err != nil {
		logger.WithError(err).Warn("content cache persist failed, continuing in-memory")
	}
	return content, nil
}

// complete marks the job done. Only a URL's first completion credits
// the publisher's processed total; reprocess runs release without
// counting.
func (p *Pool) complete(ctx context.Context, entry *queuestore.Entry, questions int, logger *logrus.Entry) {
	var priorRuns int
	cas := func() error {
		_, err := p.queue.AtomicUpdateStatus(ctx, entry.URL,
			[]string{queuestore.StatusProcessing}, queuestore.StatusCompleted,
			func(e *queuestore.Entry) {
				now := time.Now().UTC()
				priorRuns = e.CompletedRuns
				e.CompletedRuns++
				e.CompletedAt = &now
				e.ErrorType = ""
				e.ErrorMessage = ""
				e.SkipReason = ""
			})
		return err
	}

	err := cas()
	if errors.Is(err, queuestore.ErrConflict) {
		// A final in-flight heartbeat write can bump the revision under
		// the terminal transition. Losing that race would re-run the
		// whole LLM pipeline through stall recovery, so retry once while
		// the entry is still ours.
		if cur, getErr := p.queue.GetByURL(ctx, entry.URL); getErr == nil &&
			cur.Status == queuestore.StatusProcessing && cur.WorkerID == p.id {
			err = cas()
		}
	}
	if err != nil {
		logger.WithError(err).Error("could not mark job completed, keeping slot reserved")
		return
	}

	if err := p.ledger.ReleaseBlogSlot(ctx, entry.PublisherID, priorRuns == 0, questions); err != nil {
		logger.WithError(err).Error("slot release failed after completion")
	}
	logger.WithField("questions", questions).Info("job completed")
}

// completeSkipped records a below-threshold run as completed with a
// skip annotation and releases the slot without crediting it.
func (p *Pool) completeSkipped(ctx context.Context, entry *queuestore.Entry, reason string, logger *logrus.Entry) {
	_, err := p.queue.AtomicUpdateStatus(ctx, entry.URL,
		[]string{queuestore.StatusProcessing}, queuestore.StatusCompleted,
		func(e *queuestore.Entry) {
			now := time.Now().UTC()
			e.CompletedAt = &now
			e.SkipReason = reason
		})
	if err != nil {
		logger.WithError(err).Error("could not mark skipped job completed")
		return
	}
	if err := p.ledger.ReleaseBlogSlot(ctx, entry.PublisherID, false, 0); err != nil {
		logger.WithError(err).Error("slot release failed after skip")
	}
	logger.Info("job skipped")
}

// fail classifies the error and transitions to retry or failed. The
// slot reservation is only released on a terminal failure; retries keep
// it so the cap still counts the in-flight blog.
func (p *Pool) fail(ctx context.Context, entry *queuestore.Entry, jobErr error, logger *logrus.Entry) {
	errorType := common.ClassifyError(jobErr)
	logger = logger.WithFields(logrus.Fields{"error_type": errorType, "error": jobErr.Error()})

	if common.IsRetriable(errorType) && !entry.RetriesExhausted() {
		_, err := p.queue.AtomicUpdateStatus(ctx, entry.URL,
			[]string{queuestore.StatusProcessing}, queuestore.StatusRetry,
			func(e *queuestore.Entry) {
				e.ErrorType = errorType
				e.ErrorMessage = jobErr.Error()
				e.WorkerID = ""
			})
		if err != nil {
			logger.WithError(err).Error("could not requeue job for retry")
			return
		}
		logger.Warn("job requeued for retry")
		return
	}

	_, err := p.queue.AtomicUpdateStatus(ctx, entry.URL,
		[]string{queuestore.StatusProcessing}, queuestore.StatusFailed,
		func(e *queuestore.Entry) {
			e.ErrorType = errorType
			e.ErrorMessage = jobErr.Error()
		})
	if err != nil {
		// Cannot prove the terminal write happened: bias toward a
		// leaked reservation over over-issuing slots.
		logger.WithError(err).Error("could not mark job failed, keeping slot reserved")
		return
	}

	if err := p.ledger.ReleaseBlogSlot(ctx, entry.PublisherID, false, 0); err != nil {
		logger.WithError(err).Error("slot release failed after terminal failure")
	}
	logger.Error("job failed permanently")
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Pool) runHeartbeat(ctx context.Context, url string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.UpdateHeartbeat(ctx, url, p.id); err != nil {
				p.logger.WithError(err).WithField("url", url).Warn("heartbeat failed")
				if errors.Is(err, queuestore.ErrConflict) {
					return
				}
			}
		}
	}
}

// runStallMonitor forces processing entries whose heartbeat went silent
// for StallFactor heartbeat intervals back to retry. The slot stays
// reserved; the next pick reclaims the job.
func (p *Pool) runStallMonitor(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval * time.Duration(p.cfg.StallFactor)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healStalled(ctx)
		}
	}
}

func (p *Pool) healStalled(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.HeartbeatInterval * time.Duration(p.cfg.StallFactor))
	stalled, err := p.queue.FindStalled(ctx, cutoff, 50)
	if err != nil {
		p.logger.WithError(err).Error("stall scan failed")
		return
	}

	for _, entry := range stalled {
		logger := p.logger.WithFields(logrus.Fields{"url": entry.URL, "stalled_worker": entry.WorkerID})
		_, err := p.queue.AtomicUpdateStatus(ctx, entry.URL,
			[]string{queuestore.StatusProcessing}, queuestore.StatusRetry,
			func(e *queuestore.Entry) {
				e.ErrorType = common.ErrorTypeUnknown
				e.ErrorMessage = "worker heartbeat stalled, job requeued"
				e.WorkerID = ""
			})
		if err != nil {
			if !errors.Is(err, queuestore.ErrConflict) {
				logger.WithError(err).Error("could not requeue stalled job")
			}
			continue
		}
		logger.Warn("stalled job requeued")
	}
}

func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.cfg.ReaperTTL)
			reaped, err := p.queue.ReapTerminalBefore(ctx, cutoff, 200)
			if err != nil {
				p.logger.WithError(err).Error("reaper pass failed")
				continue
			}
			if reaped > 0 {
				p.logger.WithField("reaped", reaped).Info("terminal queue entries reaped")
			}
		}
	}
}
