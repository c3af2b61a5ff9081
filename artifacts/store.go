package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/common"
)

// casAttempts bounds MVCC retry loops on counter updates.
const casAttempts = 3

// Store holds the three artifact databases.
type Store struct {
	client    *kivik.Client
	content   *kivik.DB
	summaries *kivik.DB
	questions *kivik.DB
	logger    *logrus.Entry
}

// Databases names the three artifact databases.
type Databases struct {
	Content   string
	Summaries string
	Questions string
}

// New connects to CouchDB and ensures the three artifact databases and
// their Mango indexes exist.
func New(ctx context.Context, url string, dbs Databases) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("db_error: connect to CouchDB: %w", err)
	}

	s := &Store{
		client: client,
		logger: common.Logger.WithField("component", "artifacts"),
	}

	for _, name := range []string{dbs.Content, dbs.Summaries, dbs.Questions} {
		exists, err := client.DBExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("db_error: check database %s: %w", name, err)
		}
		if !exists {
			if err := client.CreateDB(ctx, name); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
				return nil, fmt.Errorf("db_error: create database %s: %w", name, err)
			}
		}
	}

	s.content = client.DB(dbs.Content)
	s.summaries = client.DB(dbs.Summaries)
	s.questions = client.DB(dbs.Questions)

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	type indexDef struct {
		db     *kivik.DB
		name   string
		fields []string
	}
	indexes := []indexDef{
		{s.summaries, "publisher-index", []string{"publisher_id"}},
		{s.summaries, "domain-index", []string{"domain"}},
		{s.questions, "url-position-index", []string{"url", "position"}},
		{s.questions, "publisher-index", []string{"publisher_id"}},
	}
	for _, idx := range indexes {
		def := map[string]interface{}{
			"index": map[string]interface{}{"fields": idx.fields},
			"name":  idx.name,
			"type":  "json",
		}
		if err := idx.db.CreateIndex(ctx, "", "", def); err != nil {
			return fmt.Errorf("db_error: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Close closes the CouchDB connection.
func (s *Store) Close() error { return s.client.Close() }

// UpsertBlogContent writes crawled content, replacing any previous crawl
// of the same URL but never losing its accumulated demand count.
func (s *Store) UpsertBlogContent(ctx context.Context, content *BlogContent) error {
	content.ID = content.URL
	content.CrawledAt = time.Now().UTC()

	var previous BlogContent
	err := s.get(ctx, s.content, content.ID, &previous)
	switch {
	case err == nil:
		content.Rev = previous.Rev
		if content.TriggeredNoOfTimes < previous.TriggeredNoOfTimes {
			content.TriggeredNoOfTimes = previous.TriggeredNoOfTimes
		}
	case errors.Is(err, common.ErrNotFound):
		content.Rev = ""
	default:
		return err
	}

	if _, err := s.content.Put(ctx, content.ID, content); err != nil {
		return fmt.Errorf("db_error: upsert blog content: %w", err)
	}
	return nil
}

// GetBlogByURL retrieves crawled content for a URL.
func (s *Store) GetBlogByURL(ctx context.Context, url string) (*BlogContent, error) {
	var content BlogContent
	if err := s.get(ctx, s.content, url, &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// GetBlogsByURLs retrieves content for several URLs at once. Missing
// URLs are simply absent from the result map.
func (s *Store) GetBlogsByURLs(ctx context.Context, urls []string) (map[string]*BlogContent, error) {
	selector := map[string]interface{}{
		"_id": map[string]interface{}{"$in": urls},
	}
	rows := s.content.Find(ctx, selector)
	defer rows.Close()

	found := make(map[string]*BlogContent, len(urls))
	for rows.Next() {
		var content BlogContent
		if err := rows.ScanDoc(&content); err != nil {
			return nil, fmt.Errorf("db_error: scan blog content: %w", err)
		}
		found[content.URL] = &content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db_error: query blog content: %w", err)
	}
	return found, nil
}

// UpsertSummary writes the summary for a URL, replacing any previous
// one but preserving its accumulated trigger count and creation time.
func (s *Store) UpsertSummary(ctx context.Context, summary *Summary) error {
	summary.ID = summary.URL
	now := time.Now().UTC()
	summary.UpdatedAt = now

	var previous Summary
	err := s.get(ctx, s.summaries, summary.ID, &previous)
	switch {
	case err == nil:
		summary.Rev = previous.Rev
		summary.CreatedAt = previous.CreatedAt
		if summary.TriggeredNoOfTimes < previous.TriggeredNoOfTimes {
			summary.TriggeredNoOfTimes = previous.TriggeredNoOfTimes
		}
	case errors.Is(err, common.ErrNotFound):
		summary.Rev = ""
		summary.CreatedAt = now
	default:
		return err
	}

	if _, err := s.summaries.Put(ctx, summary.ID, summary); err != nil {
		return fmt.Errorf("db_error: upsert summary: %w", err)
	}
	return nil
}

// GetSummaryByURL retrieves the summary for a URL.
func (s *Store) GetSummaryByURL(ctx context.Context, url string) (*Summary, error) {
	var summary Summary
	if err := s.get(ctx, s.summaries, url, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// IncrementTriggeredCount bumps the blog's demand counter and returns
// the new value, retrying lost MVCC races. A missing document counts as
// a first run: content may live only in memory when its cache persist
// failed, and the next successful persist starts the counter over.
func (s *Store) IncrementTriggeredCount(ctx context.Context, url string) (int, error) {
	for i := 0; i < casAttempts; i++ {
		var content BlogContent
		err := s.get(ctx, s.content, url, &content)
		if errors.Is(err, common.ErrNotFound) {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		content.TriggeredNoOfTimes++
		if _, err := s.content.Put(ctx, content.ID, &content); err == nil {
			return content.TriggeredNoOfTimes, nil
		} else if kivik.HTTPStatus(err) != http.StatusConflict {
			return 0, fmt.Errorf("db_error: increment triggered count: %w", err)
		}
	}
	return 0, fmt.Errorf("db_error: increment triggered count: too many conflicts")
}

// ListSummariesByPublisher returns a publisher's summaries, most
// recently updated first.
func (s *Store) ListSummariesByPublisher(ctx context.Context, publisherID string, limit int) ([]*Summary, error) {
	return s.findSummaries(ctx, map[string]interface{}{"publisher_id": publisherID}, limit)
}

// ListSummariesByDomain returns the summaries whose blog lives on the
// given domain.
func (s *Store) ListSummariesByDomain(ctx context.Context, domain string, limit int) ([]*Summary, error) {
	return s.findSummaries(ctx, map[string]interface{}{"domain": domain}, limit)
}

func (s *Store) findSummaries(ctx context.Context, selector map[string]interface{}, limit int) ([]*Summary, error) {
	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}
	rows := s.summaries.Find(ctx, selector, kivik.Params(params))
	defer rows.Close()

	var results []*Summary
	for rows.Next() {
		var summary Summary
		if err := rows.ScanDoc(&summary); err != nil {
			return nil, fmt.Errorf("db_error: scan summary: %w", err)
		}
		results = append(results, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db_error: query summaries: %w", err)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}

// ReplaceAllQuestions deletes every question stored for the URL and
// writes the new set. Reprocessing a blog must never leave stale
// questions behind.
func (s *Store) ReplaceAllQuestions(ctx context.Context, url string, questions []*Question) error {
	existing, err := s.GetQuestionsByURL(ctx, url)
	if err != nil {
		return err
	}
	for _, old := range existing {
		if _, err := s.questions.Delete(ctx, old.ID, old.Rev); err != nil &&
			kivik.HTTPStatus(err) != http.StatusNotFound {
			return fmt.Errorf("db_error: delete stale question: %w", err)
		}
	}

	now := time.Now().UTC()
	for i, q := range questions {
		q.ID = uuid.New().String()
		q.Rev = ""
		q.URL = url
		q.Position = i
		q.CreatedAt = now
		if _, err := s.questions.Put(ctx, q.ID, q); err != nil {
			return fmt.Errorf("db_error: store question: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"url":       url,
		"replaced":  len(existing),
		"questions": len(questions),
	}).Info("questions replaced")
	return nil
}

// GetQuestionsByURL returns the questions for a URL in display order.
func (s *Store) GetQuestionsByURL(ctx context.Context, url string) ([]*Question, error) {
	selector := map[string]interface{}{"url": url}
	rows := s.questions.Find(ctx, selector)
	defer rows.Close()

	var results []*Question
	for rows.Next() {
		var q Question
		if err := rows.ScanDoc(&q); err != nil {
			return nil, fmt.Errorf("db_error: scan question: %w", err)
		}
		results = append(results, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db_error: query questions: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Position < results[j].Position })
	return results, nil
}

// GetQuestionByID retrieves a single question.
func (s *Store) GetQuestionByID(ctx context.Context, id string) (*Question, error) {
	var q Question
	if err := s.get(ctx, s.questions, id, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// IncrementQuestionClickCount bumps a question's click counter,
// retrying lost MVCC races.
func (s *Store) IncrementQuestionClickCount(ctx context.Context, id string) (int, error) {
	for i := 0; i < casAttempts; i++ {
		var q Question
		if err := s.get(ctx, s.questions, id, &q); err != nil {
			return 0, err
		}
		q.ClickCount++
		now := time.Now().UTC()
		q.LastClickedAt = &now
		if _, err := s.questions.Put(ctx, q.ID, &q); err == nil {
			return q.ClickCount, nil
		} else if kivik.HTTPStatus(err) != http.StatusConflict {
			return 0, fmt.Errorf("db_error: increment click count: %w", err)
		}
	}
	return 0, fmt.Errorf("db_error: increment click count: too many conflicts")
}

// DeleteBlog removes every artifact of a URL: content, summary and all
// questions. Missing pieces are skipped.
func (s *Store) DeleteBlog(ctx context.Context, url string) error {
	if content, err := s.GetBlogByURL(ctx, url); err == nil {
		if _, err := s.content.Delete(ctx, content.ID, content.Rev); err != nil &&
			kivik.HTTPStatus(err) != http.StatusNotFound {
			return fmt.Errorf("db_error: delete blog content: %w", err)
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if summary, err := s.GetSummaryByURL(ctx, url); err == nil {
		if _, err := s.summaries.Delete(ctx, summary.ID, summary.Rev); err != nil &&
			kivik.HTTPStatus(err) != http.StatusNotFound {
			return fmt.Errorf("db_error: delete summary: %w", err)
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	questions, err := s.GetQuestionsByURL(ctx, url)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if _, err := s.questions.Delete(ctx, q.ID, q.Rev); err != nil &&
			kivik.HTTPStatus(err) != http.StatusNotFound {
			return fmt.Errorf("db_error: delete question: %w", err)
		}
	}

	s.logger.WithField("url", url).Info("blog artifacts deleted")
	return nil
}

func (s *Store) get(ctx context.Context, db *kivik.DB, id string, out interface{}) error {
	row := db.Get(ctx, id)
	if err := row.ScanDoc(out); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return common.ErrNotFound
		}
		return fmt.Errorf("db_error: get document %s: %w", id, err)
	}
	return nil
}
