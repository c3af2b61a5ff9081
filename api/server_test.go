package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/config"
	"github.com/amitspk/blogwidget/llm"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
	"github.com/amitspk/blogwidget/search"
)

const (
	testAPIKey   = "bw_test_key"
	testAdminKey = "admin_secret"
)

type fakeLedger struct {
	pub          *publisher.Publisher
	reserves     int
	reserveErr   error
	regenerated  string
	lastActiveID string
}

func (f *fakeLedger) Create(ctx context.Context, p *publisher.Publisher) error {
	if p.APIKey == "" {
		p.APIKey = "bw_generated"
	}
	f.pub = p
	return nil
}

func (f *fakeLedger) GetByID(ctx context.Context, id string) (*publisher.Publisher, error) {
	if f.pub == nil || f.pub.ID != id {
		return nil, common.ErrNotFound
	}
	return f.pub, nil
}

func (f *fakeLedger) GetByAPIKey(ctx context.Context, apiKey string) (*publisher.Publisher, error) {
	if f.pub == nil || f.pub.APIKey != apiKey {
		return nil, common.ErrNotFound
	}
	f.lastActiveID = f.pub.ID
	return f.pub, nil
}

func (f *fakeLedger) Update(ctx context.Context, p *publisher.Publisher) error {
	f.pub = p
	return nil
}

func (f *fakeLedger) List(ctx context.Context, status string, page, pageSize int) ([]publisher.Publisher, int64, error) {
	if f.pub == nil {
		return nil, 0, nil
	}
	return []publisher.Publisher{*f.pub}, 1, nil
}

func (f *fakeLedger) RegenerateAPIKey(ctx context.Context, id string) (string, error) {
	if f.pub == nil || f.pub.ID != id {
		return "", common.ErrNotFound
	}
	f.regenerated = "bw_rotated"
	f.pub.APIKey = f.regenerated
	return f.regenerated, nil
}

func (f *fakeLedger) ReserveBlogSlot(ctx context.Context, id string) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserves++
	return nil
}

type fakeQueue struct {
	entries map[string]*queuestore.Entry
	deleted []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: map[string]*queuestore.Entry{}}
}

func (q *fakeQueue) GetByURL(ctx context.Context, url string) (*queuestore.Entry, error) {
	if e, ok := q.entries[url]; ok {
		return e, nil
	}
	return nil, common.ErrNotFound
}

func (q *fakeQueue) AtomicGetOrCreate(ctx context.Context, entry *queuestore.Entry) (*queuestore.Entry, bool, error) {
	if existing, ok := q.entries[entry.URL]; ok {
		return existing, false, nil
	}
	entry.CreatedAt = time.Now().UTC()
	q.entries[entry.URL] = entry
	return entry, true, nil
}

func (q *fakeQueue) AtomicUpdateStatus(ctx context.Context, url string, fromStatuses []string, toStatus string, mutate func(*queuestore.Entry)) (*queuestore.Entry, error) {
	e, ok := q.entries[url]
	if !ok {
		return nil, common.ErrNotFound
	}
	allowed := false
	for _, s := range fromStatuses {
		if e.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, queuestore.ErrConflict
	}
	e.Status = toStatus
	if mutate != nil {
		mutate(e)
	}
	return e, nil
}

func (q *fakeQueue) AtomicRequeueFailed(ctx context.Context, url string) (*queuestore.Entry, error) {
	e, ok := q.entries[url]
	if !ok {
		return nil, common.ErrNotFound
	}
	if e.Status != queuestore.StatusFailed {
		return nil, queuestore.ErrConflict
	}
	now := time.Now().UTC()
	e.Status = queuestore.StatusQueued
	e.AttemptCount = 0
	e.ErrorType = ""
	e.ErrorMessage = ""
	e.ReprocessedCount++
	e.LastReprocessedAt = &now
	return e, nil
}

func (q *fakeQueue) CountCompletedSince(ctx context.Context, publisherID string, since time.Time) (int, error) {
	count := 0
	for _, e := range q.entries {
		if e.PublisherID == publisherID && e.Status == queuestore.StatusCompleted &&
			e.CompletedAt != nil && !e.CompletedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (q *fakeQueue) DeleteByURL(ctx context.Context, url string) error {
	delete(q.entries, url)
	q.deleted = append(q.deleted, url)
	return nil
}

func (q *fakeQueue) GetStats(ctx context.Context) (*queuestore.Stats, error) {
	stats := &queuestore.Stats{}
	for _, e := range q.entries {
		switch e.Status {
		case queuestore.StatusQueued:
			stats.Queued++
		case queuestore.StatusProcessing:
			stats.Processing++
		case queuestore.StatusCompleted:
			stats.Completed++
		case queuestore.StatusRetry:
			stats.Retry++
		case queuestore.StatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

type fakeArtifacts struct {
	blogs     map[string]*artifacts.BlogContent
	summaries map[string]*artifacts.Summary
	questions map[string][]*artifacts.Question
	byID      map[string]*artifacts.Question
	clicks    map[string]int
	deleted   []string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		blogs:     map[string]*artifacts.BlogContent{},
		summaries: map[string]*artifacts.Summary{},
		questions: map[string][]*artifacts.Question{},
		byID:      map[string]*artifacts.Question{},
		clicks:    map[string]int{},
	}
}

func (f *fakeArtifacts) addQuestion(q *artifacts.Question) {
	f.questions[q.URL] = append(f.questions[q.URL], q)
	f.byID[q.ID] = q
}

func (f *fakeArtifacts) GetBlogsByURLs(ctx context.Context, urls []string) (map[string]*artifacts.BlogContent, error) {
	out := map[string]*artifacts.BlogContent{}
	for _, url := range urls {
		if b, ok := f.blogs[url]; ok {
			out[url] = b
		}
	}
	return out, nil
}

func (f *fakeArtifacts) GetSummaryByURL(ctx context.Context, url string) (*artifacts.Summary, error) {
	if s, ok := f.summaries[url]; ok {
		return s, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeArtifacts) ListSummariesByDomain(ctx context.Context, domain string, limit int) ([]*artifacts.Summary, error) {
	var out []*artifacts.Summary
	for _, s := range f.summaries {
		if s.Domain == domain {
			out = append(out, s)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeArtifacts) GetQuestionsByURL(ctx context.Context, url string) ([]*artifacts.Question, error) {
	return f.questions[url], nil
}

func (f *fakeArtifacts) GetQuestionByID(ctx context.Context, id string) (*artifacts.Question, error) {
	if q, ok := f.byID[id]; ok {
		return q, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeArtifacts) IncrementQuestionClickCount(ctx context.Context, id string) (int, error) {
	f.clicks[id]++
	return f.clicks[id], nil
}

func (f *fakeArtifacts) DeleteBlog(ctx context.Context, url string) error {
	delete(f.blogs, url)
	delete(f.summaries, url)
	delete(f.questions, url)
	f.deleted = append(f.deleted, url)
	return nil
}

type fakeThresholds struct {
	counts map[string]int64
}

func (f *fakeThresholds) key(url, pub string) string { return pub + "|" + url }

func (f *fakeThresholds) IncrementAndGetCount(ctx context.Context, url, publisherID string) (int64, error) {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[f.key(url, publisherID)]++
	return f.counts[f.key(url, publisherID)], nil
}

func (f *fakeThresholds) GetCount(ctx context.Context, url, publisherID string) (int64, error) {
	return f.counts[f.key(url, publisherID)], nil
}

type fakeAnswerer struct {
	answer  string
	lastReq llm.ChatRequest
}

func (f *fakeAnswerer) Answer(ctx context.Context, req llm.ChatRequest) (string, error) {
	f.lastReq = req
	return f.answer, nil
}

type fakeSearcher struct {
	matches   []search.Match
	removed   []string
	lastVec   []float64
	lastURL   string
	lastQuery string
}

func (f *fakeSearcher) SimilarByEmbedding(ctx context.Context, publisherID string, embedding []float64, excludeURL string, topK int) ([]search.Match, error) {
	f.lastVec = embedding
	return f.matches, nil
}

func (f *fakeSearcher) SimilarToURL(ctx context.Context, publisherID, url string, topK int) ([]search.Match, error) {
	f.lastURL = url
	return f.matches, nil
}

func (f *fakeSearcher) SimilarByText(ctx context.Context, publisherID, query string, topK int) ([]search.Match, error) {
	f.lastQuery = query
	return f.matches, nil
}

func (f *fakeSearcher) RemoveURL(ctx context.Context, url string) error {
	f.removed = append(f.removed, url)
	return nil
}

type harness struct {
	server     *Server
	ledger     *fakeLedger
	queue      *fakeQueue
	store      *fakeArtifacts
	thresholds *fakeThresholds
	answerer   *fakeAnswerer
	searcher   *fakeSearcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub := &publisher.Publisher{
		ID:     "pub-1",
		Name:   "Example",
		Domain: "example.com",
		APIKey: testAPIKey,
		Status: publisher.StatusActive,
		Config: publisher.DefaultConfig(),
	}
	h := &harness{
		ledger:     &fakeLedger{pub: pub},
		queue:      newFakeQueue(),
		store:      newFakeArtifacts(),
		thresholds: &fakeThresholds{},
		answerer:   &fakeAnswerer{answer: "the answer"},
		searcher:   &fakeSearcher{},
	}
	cfg := config.ServerConfig{BodyLimit: "1M", AllowedOrigins: []string{"*"}}
	h.server = New(cfg, testAdminKey, 3, h.ledger, h.queue, h.store, h.thresholds, h.answerer, h.searcher)
	return h
}

func (h *harness) do(method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, Envelope) {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	var env Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func pubHeaders() map[string]string {
	return map[string]string{headerAPIKey: testAPIKey}
}

func adminHeaders() map[string]string {
	return map[string]string{headerAdminKey: testAdminKey}
}

func resultMap(t *testing.T, env Envelope) map[string]interface{} {
	t.Helper()
	m, ok := env.Result.(map[string]interface{})
	require.True(t, ok, "result is not an object: %#v", env.Result)
	return m
}

func TestEnvelopeShape(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.NotEmpty(t, env.RequestID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, time.UTC, env.Timestamp.Location())
}

func TestMissingAPIKey(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/a", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, common.CodeAuthRequired, env.Error.Code)
}

func TestSuspendedPublisherRejected(t *testing.T) {
	h := newHarness(t)
	h.ledger.pub.Status = publisher.StatusSuspended
	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/a", "", pubHeaders())

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, common.CodeAuthRequired, env.Error.Code)
}

func TestCheckAndLoadDomainMismatch(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://other.com/a", "", pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeDomainMismatch, env.Error.Code)
}

func TestCheckAndLoadSubdomainAllowed(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://blog.example.com/a", "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
}

func TestCheckAndLoadReady(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/ready"
	h.store.blogs[url] = &artifacts.BlogContent{URL: url, Title: "Ready Post", WordCount: 100}
	h.store.addQuestion(&artifacts.Question{ID: "q1", URL: url, PublisherID: "pub-1", Question: "Q1?", Answer: "A1"})
	h.store.addQuestion(&artifacts.Question{ID: "q2", URL: url, PublisherID: "pub-1", Question: "Q2?", Answer: "A2"})

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url="+url, "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, StateReady, result["state"])
	assert.Len(t, result["questions"], 2)
	blog := result["blog"].(map[string]interface{})
	assert.Equal(t, "Ready Post", blog["title"])

	// Ready never touches the demand counter or the queue.
	assert.Empty(t, h.thresholds.counts)
	assert.Empty(t, h.queue.entries)
}

func TestCheckAndLoadThresholdNotMet(t *testing.T) {
	h := newHarness(t)
	h.ledger.pub.Config.ThresholdBeforeProcessingBlog = 3

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/quiet", "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, StateThresholdNotMet, result["state"])
	assert.Equal(t, float64(1), result["current_count"])
	assert.Equal(t, float64(3), result["threshold"])
	assert.Empty(t, h.queue.entries, "no queue mutation below threshold")
}

func TestCheckAndLoadAdmitsNewBlog(t *testing.T) {
	h := newHarness(t)

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/new", "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, StateNotStarted, result["state"])
	assert.Equal(t, 1, h.ledger.reserves, "admission reserves a slot")

	entry := h.queue.entries["https://example.com/new"]
	require.NotNil(t, entry)
	assert.Equal(t, queuestore.StatusQueued, entry.Status)
	assert.Equal(t, 3, entry.MaxRetries)
}

func TestCheckAndLoadWhitelistRollsBack(t *testing.T) {
	h := newHarness(t)
	h.ledger.pub.Config.WhitelistedBlogURLs = []string{"https://example.com/allowed"}

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/blocked", "", pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeNotWhitelisted, env.Error.Code)
	assert.Empty(t, h.queue.entries, "rejected entry is rolled back")
	assert.Contains(t, h.queue.deleted, "https://example.com/blocked")
	assert.Equal(t, 0, h.ledger.reserves)
}

func TestCheckAndLoadUsageLimitRollsBack(t *testing.T) {
	h := newHarness(t)
	h.ledger.reserveErr = publisher.ErrUsageLimitExceeded

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/over", "", pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeUsageLimitExceeded, env.Error.Code)
	assert.Empty(t, h.queue.entries)
}

func TestCheckAndLoadDailyLimit(t *testing.T) {
	h := newHarness(t)
	limit := 1
	h.ledger.pub.Config.DailyBlogLimit = &limit
	now := time.Now().UTC()
	h.queue.entries["https://example.com/done-today"] = &queuestore.Entry{
		URL: "https://example.com/done-today", PublisherID: "pub-1",
		Status: queuestore.StatusCompleted, CompletedAt: &now,
	}

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url=https://example.com/extra", "", pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeDailyLimitExceeded, env.Error.Code)
	assert.NotContains(t, h.queue.entries, "https://example.com/extra")
}

func TestCheckAndLoadInFlightStates(t *testing.T) {
	for _, status := range []string{queuestore.StatusQueued, queuestore.StatusProcessing, queuestore.StatusRetry} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t)
			url := "https://example.com/in-flight"
			h.queue.entries[url] = &queuestore.Entry{URL: url, PublisherID: "pub-1", Status: status, AttemptCount: 1}

			rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url="+url, "", pubHeaders())

			assert.Equal(t, http.StatusOK, rec.Code)
			result := resultMap(t, env)
			assert.Equal(t, status, result["state"])
			assert.Equal(t, 0, h.ledger.reserves, "no second reservation for in-flight blogs")
		})
	}
}

func TestCheckAndLoadCompletedWithoutQuestionsRequeues(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/ghost"
	h.queue.entries[url] = &queuestore.Entry{URL: url, PublisherID: "pub-1", Status: queuestore.StatusCompleted, AttemptCount: 2}

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url="+url, "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, StateQueued, result["state"])
	entry := h.queue.entries[url]
	assert.Equal(t, queuestore.StatusQueued, entry.Status)
	assert.Equal(t, 0, entry.AttemptCount, "requeue resets attempts")
	assert.Equal(t, 1, entry.ReprocessedCount)
	assert.True(t, entry.WasPreviouslyCompleted)
	assert.NotNil(t, entry.LastReprocessedAt)
}

func TestCheckAndLoadFailedAutoRequeues(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/fallen"
	h.queue.entries[url] = &queuestore.Entry{URL: url, PublisherID: "pub-1", Status: queuestore.StatusFailed, AttemptCount: 3, ErrorType: "crawl_error"}

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url="+url, "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, StateQueued, result["state"])
	entry := h.queue.entries[url]
	assert.Equal(t, queuestore.StatusQueued, entry.Status)
	assert.Equal(t, 1, h.ledger.reserves, "requeue re-reserves a slot")
	assert.Equal(t, 1, entry.ReprocessedCount)
	assert.False(t, entry.WasPreviouslyCompleted, "a failed entry never completed")
}

func TestCheckAndLoadFailedRequeueRevertsOnQuotaFailure(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/fallen-broke"
	h.queue.entries[url] = &queuestore.Entry{URL: url, PublisherID: "pub-1", Status: queuestore.StatusFailed}
	h.ledger.reserveErr = publisher.ErrUsageLimitExceeded

	rec, env := h.do(http.MethodGet, "/questions/check-and-load?blog_url="+url, "", pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeUsageLimitExceeded, env.Error.Code)
	assert.Equal(t, queuestore.StatusFailed, h.queue.entries[url].Status, "reservation failure reverts the requeue")
}

func TestQuestionsByURLNotFound(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/questions/by-url?blog_url=https://example.com/empty", "", pubHeaders())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, common.CodeNotFound, env.Error.Code)
}

func TestQuestionByIDOmitsPrivateFields(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.store.addQuestion(&artifacts.Question{
		ID: "q-1", URL: "https://example.com/post", PublisherID: "pub-1",
		Question: "Q?", Answer: "A", ClickCount: 9,
		Embedding: []float64{0.1}, LastClickedAt: &now,
	})

	rec, env := h.do(http.MethodGet, "/questions/q-1", "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, "Q?", result["question"])
	assert.NotContains(t, result, "embedding")
	assert.NotContains(t, result, "click_count")
	assert.NotContains(t, result, "last_clicked_at")
}

func TestQuestionByIDTenantScoped(t *testing.T) {
	h := newHarness(t)
	h.store.addQuestion(&artifacts.Question{ID: "q-other", URL: "https://other.com/x", PublisherID: "pub-2", Question: "Q?", Answer: "A"})

	rec, env := h.do(http.MethodGet, "/questions/q-other", "", pubHeaders())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, common.CodeNotFound, env.Error.Code)
}

func TestSimilarSeedsFromQuestionEmbedding(t *testing.T) {
	h := newHarness(t)
	h.store.addQuestion(&artifacts.Question{
		ID: "q-seed", URL: "https://example.com/seed", PublisherID: "pub-1",
		Question: "Q?", Answer: "A", Embedding: []float64{0.5, 0.5},
	})
	h.searcher.matches = []search.Match{
		{URL: "https://example.com/close", Title: "Close", Score: 0.92},
	}

	rec, env := h.do(http.MethodPost, "/search/similar", `{"question_id":"q-seed","limit":5}`, pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	blogs := result["similar_blogs"].([]interface{})
	require.Len(t, blogs, 1)
	first := blogs[0].(map[string]interface{})
	assert.Equal(t, "https://example.com/close", first["url"])
	assert.InDelta(t, 0.92, first["similarity_score"].(float64), 1e-9)

	assert.Equal(t, []float64{0.5, 0.5}, h.searcher.lastVec)
	assert.Equal(t, 1, h.store.clicks["q-seed"], "similarity call counts as a click")
}

func TestSimilarFallsBackToSummaryEmbedding(t *testing.T) {
	h := newHarness(t)
	h.store.addQuestion(&artifacts.Question{
		ID: "q-old", URL: "https://example.com/old", PublisherID: "pub-1",
		Question: "Q?", Answer: "A",
	})
	h.store.summaries["https://example.com/old"] = &artifacts.Summary{
		URL: "https://example.com/old", Embedding: []float64{0.3, 0.7},
	}

	rec, _ := h.do(http.MethodPost, "/search/similar", `{"question_id":"q-old"}`, pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{0.3, 0.7}, h.searcher.lastVec)
}

func TestSimilarSeedsFromBlogURL(t *testing.T) {
	h := newHarness(t)
	h.searcher.matches = []search.Match{
		{URL: "https://example.com/neighbor", Title: "Neighbor", Score: 0.8},
	}

	rec, env := h.do(http.MethodPost, "/search/similar", `{"blog_url":"https://example.com/seed"}`, pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://example.com/seed", h.searcher.lastURL)
	result := resultMap(t, env)
	blogs := result["similar_blogs"].([]interface{})
	require.Len(t, blogs, 1)
}

func TestSimilarBlogURLMustMatchDomain(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodPost, "/search/similar", `{"blog_url":"https://other.com/seed"}`, pubHeaders())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, common.CodeDomainMismatch, env.Error.Code)
	assert.Empty(t, h.searcher.lastURL)
}

func TestSimilarSeedsFromFreeText(t *testing.T) {
	h := newHarness(t)
	h.searcher.matches = []search.Match{
		{URL: "https://example.com/hit", Title: "Hit", Score: 0.7},
	}

	rec, _ := h.do(http.MethodPost, "/search/similar", `{"query":"kubernetes networking"}`, pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kubernetes networking", h.searcher.lastQuery)
}

func TestSimilarRequiresASeed(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodPost, "/search/similar", `{"limit":5}`, pubHeaders())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, common.CodeValidationError, env.Error.Code)
}

func TestAskCapsTokens(t *testing.T) {
	h := newHarness(t)
	h.ledger.pub.Config.ChatMaxTokens = 9999
	h.store.summaries["https://example.com/ctx"] = &artifacts.Summary{URL: "https://example.com/ctx", Summary: "context"}

	rec, env := h.do(http.MethodPost, "/qa/ask", `{"question":"why?","blog_url":"https://example.com/ctx"}`, pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, "the answer", result["answer"])
	assert.Equal(t, chatMaxTokensCap, h.answerer.lastReq.MaxTokens)
	assert.Equal(t, "context", h.answerer.lastReq.Summary)
}

func TestPublisherMetadataFiltersAdVariations(t *testing.T) {
	h := newHarness(t)
	h.ledger.pub.Config.Widget = map[string]interface{}{
		"theme": "dark",
		"ad_variations": map[string]interface{}{
			"banner":  map[string]interface{}{"size": "728x90"},
			"sidebar": map[string]interface{}{"size": "300x250"},
		},
	}

	rec, env := h.do(http.MethodGet, "/publishers/metadata?adVariation=banner", "", pubHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	widget := result["widget"].(map[string]interface{})
	assert.Equal(t, "dark", widget["theme"])
	variations := widget["ad_variations"].(map[string]interface{})
	assert.NotNil(t, variations["banner"])
	assert.Nil(t, variations["sidebar"])
}

func TestAdminRequiresKey(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(http.MethodGet, "/admin/queue-stats", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, common.CodeAuthRequired, env.Error.Code)
}

func TestAdminReprocess(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/redo"

	t.Run("unknown blog 404", func(t *testing.T) {
		rec, _ := h.do(http.MethodPost, "/admin/reprocess", `{"blog_url":"https://example.com/missing"}`, adminHeaders())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("in-flight conflicts", func(t *testing.T) {
		h.queue.entries[url] = &queuestore.Entry{URL: url, Status: queuestore.StatusProcessing}
		rec, env := h.do(http.MethodPost, "/admin/reprocess", `{"blog_url":"`+url+`"}`, adminHeaders())
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, common.CodeQueueConflict, env.Error.Code)
	})

	t.Run("completed requeues", func(t *testing.T) {
		h.queue.entries[url] = &queuestore.Entry{URL: url, Status: queuestore.StatusCompleted, AttemptCount: 2}
		rec, _ := h.do(http.MethodPost, "/admin/reprocess", `{"blog_url":"`+url+`","reason":"stale"}`, adminHeaders())
		assert.Equal(t, http.StatusOK, rec.Code)
		entry := h.queue.entries[url]
		assert.Equal(t, queuestore.StatusQueued, entry.Status)
		assert.Equal(t, 0, entry.AttemptCount)
		assert.Equal(t, 1, entry.ReprocessedCount)
		assert.True(t, entry.WasPreviouslyCompleted)
		assert.NotNil(t, entry.LastReprocessedAt)
	})

	t.Run("failed requeues", func(t *testing.T) {
		h.queue.entries[url] = &queuestore.Entry{URL: url, Status: queuestore.StatusFailed}
		rec, _ := h.do(http.MethodPost, "/admin/reprocess", `{"blog_url":"`+url+`"}`, adminHeaders())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, queuestore.StatusQueued, h.queue.entries[url].Status)
	})
}

func TestAdminDeleteCascades(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/gone"
	h.store.blogs[url] = &artifacts.BlogContent{URL: url}
	h.store.summaries[url] = &artifacts.Summary{URL: url}
	h.queue.entries[url] = &queuestore.Entry{URL: url, Status: queuestore.StatusCompleted}

	rec, _ := h.do(http.MethodDelete, "/questions/"+neturl.PathEscape(url), "", adminHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.store.deleted, url)
	assert.Contains(t, h.queue.deleted, url)
	assert.Contains(t, h.searcher.removed, url)
}

func TestAdminPublisherLifecycle(t *testing.T) {
	h := newHarness(t)

	rec, env := h.do(http.MethodPost, "/admin/publishers",
		`{"name":"New Pub","domain":"newpub.com"}`, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	result := resultMap(t, env)
	assert.NotEmpty(t, result["api_key"], "api key returned once at creation")

	id := h.ledger.pub.ID
	rec, _ = h.do(http.MethodPost, "/admin/publishers/"+id+"/regenerate-key", "", adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bw_rotated", h.ledger.pub.APIKey)
}

func TestAdminJobStatusIncludesDemand(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/watched"
	h.queue.entries[url] = &queuestore.Entry{URL: url, PublisherID: "pub-1", Status: queuestore.StatusProcessing, AttemptCount: 2}
	h.thresholds.counts = map[string]int64{"pub-1|" + url: 7}

	rec, env := h.do(http.MethodGet, "/admin/jobs/status?url="+neturl.QueryEscape(url), "", adminHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, float64(7), result["demand_count"])
	job := result["job"].(map[string]interface{})
	assert.Equal(t, queuestore.StatusProcessing, job["status"])
}

func TestAdminListSummariesByDomain(t *testing.T) {
	h := newHarness(t)
	h.store.summaries["https://example.com/a"] = &artifacts.Summary{
		URL: "https://example.com/a", PublisherID: "pub-1", Domain: "example.com",
		Title: "A", TriggeredNoOfTimes: 4, Embedding: []float64{0.1},
	}
	h.store.summaries["https://other.com/b"] = &artifacts.Summary{
		URL: "https://other.com/b", PublisherID: "pub-2", Domain: "other.com",
	}

	rec, env := h.do(http.MethodGet, "/admin/summaries?domain=example.com", "", adminHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	rows := env.Result.([]interface{})
	require.Len(t, rows, 1)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "https://example.com/a", first["url"])
	assert.Equal(t, float64(4), first["triggered_no_of_times"])
	assert.NotContains(t, first, "embedding", "admin listing stays lean")

	rec, env = h.do(http.MethodGet, "/admin/summaries", "", adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, common.CodeValidationError, env.Error.Code)
}

func TestAdminQueueStats(t *testing.T) {
	h := newHarness(t)
	h.queue.entries["a"] = &queuestore.Entry{URL: "a", Status: queuestore.StatusQueued}
	h.queue.entries["b"] = &queuestore.Entry{URL: "b", Status: queuestore.StatusCompleted}

	rec, env := h.do(http.MethodGet, "/admin/queue-stats", "", adminHeaders())

	assert.Equal(t, http.StatusOK, rec.Code)
	result := resultMap(t, env)
	assert.Equal(t, float64(1), result["queued"])
	assert.Equal(t, float64(1), result["completed"])
	assert.Equal(t, float64(2), result["total"])
}
