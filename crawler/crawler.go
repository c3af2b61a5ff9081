// Package crawler fetches a blog URL and extracts the readable article
// from it: title, cleaned body text, language, word count and page
// metadata. Extraction failures are reported as typed errors so the
// pipeline can classify and retry them.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/amitspk/blogwidget/common"
)

// Crawl error kinds, carried in the error text as "crawl_error.<kind>".
const (
	KindNetwork         = "network"
	KindStatus4xx       = "status_4xx"
	KindStatus5xx       = "status_5xx"
	KindContentTooLarge = "content_too_large"
	KindDecode          = "decode"
	KindEmptyOrBinary   = "empty_or_binary"
	KindTooShort        = "too_short"
)

// Error is a typed crawl failure.
type Error struct {
	Kind   string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("crawl_error.%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("crawl_error.%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// retriable reports whether a crawl error is worth another attempt.
// Client errors are deterministic; everything else, including quality
// gate failures, is retried under the attempt budget.
func retriable(err *Error) bool {
	return err.Kind != KindStatus4xx
}

// Result is the extracted article.
type Result struct {
	Title     string
	Content   string
	Language  string
	WordCount int
	Metadata  map[string]string
}

// Config contains crawl limits.
type Config struct {
	Timeout        time.Duration
	MaxContentSize int64
	MaxRedirects   int
	MaxRetries     int
	UserAgent      string
	Logger         *logrus.Entry
}

// DefaultConfig returns a Config with sensible limits.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxContentSize: 5 * 1024 * 1024,
		MaxRedirects:   5,
		MaxRetries:     3,
		UserAgent:      "blogwidget-crawler/1.0",
	}
}

// Crawler fetches and extracts articles over HTTP.
type Crawler struct {
	cfg    Config
	client *http.Client
	logger *logrus.Entry
}

// New creates a Crawler from the given config.
func New(cfg Config) *Crawler {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(common.Logger)
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &Crawler{cfg: cfg, client: client, logger: cfg.Logger}
}

// allowedContentTypes is the HTML family accepted by the crawler.
var allowedContentTypes = []string{
	"text/html",
	"application/xhtml+xml",
	"application/xml",
	"text/xml",
}

// Crawl fetches the URL and extracts the article, retrying transient
// failures with exponential backoff (2^attempt seconds).
func (c *Crawler) Crawl(ctx context.Context, url string) (*Result, error) {
	var lastErr *Error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			c.logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"backoff": backoff.String(),
			}).Debug("crawl retry")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, newError(KindNetwork, "crawl cancelled", ctx.Err())
			}
		}

		result, err := c.fetchOnce(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retriable(err) {
			break
		}
	}

	return nil, lastErr
}

func (c *Crawler) fetchOnce(ctx context.Context, url string) (*Result, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindNetwork, "build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, "fetch "+url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, newError(KindStatus5xx, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, newError(KindStatus4xx, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(contentType) {
		return nil, newError(KindEmptyOrBinary, "unsupported content type "+contentType, nil)
	}

	// Read one byte past the limit to detect oversized bodies.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxContentSize+1))
	if err != nil {
		return nil, newError(KindNetwork, "read body", err)
	}
	if int64(len(body)) > c.cfg.MaxContentSize {
		return nil, newError(KindContentTooLarge,
			fmt.Sprintf("body exceeds %d bytes", c.cfg.MaxContentSize), nil)
	}
	if len(body) == 0 {
		return nil, newError(KindEmptyOrBinary, "empty response body", nil)
	}

	// Decode using the declared charset, falling back to detection over
	// the first bytes of the body.
	reader, err := charset.NewReader(strings.NewReader(string(body)), contentType)
	if err != nil {
		return nil, newError(KindDecode, "negotiate charset", err)
	}

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, newError(KindDecode, "parse html", err)
	}

	result := extract(doc)
	if gateErr := ValidateQuality(result.Content); gateErr != nil {
		return nil, gateErr
	}
	return result, nil
}

// strippedSelectors are removed from the DOM before text extraction.
var strippedSelectors = []string{
	"script", "style", "nav", "footer", "aside", "iframe", "noscript", "svg",
	"header", "form",
}

func extract(doc *goquery.Document) *Result {
	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
		title = strings.TrimSpace(og)
	}

	lang, _ := doc.Find("html").Attr("lang")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if idx := strings.Index(lang, "-"); idx > 0 {
		lang = lang[:idx]
	}

	metadata := map[string]string{}
	if v, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		metadata["description"] = strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
		metadata["author"] = strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		metadata["published_time"] = strings.TrimSpace(v)
	}

	body := doc.Find("article").First()
	if body.Length() == 0 {
		body = doc.Find("main").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body").First()
	}

	content := collapseWhitespace(body.Text())

	return &Result{
		Title:     title,
		Content:   content,
		Language:  lang,
		WordCount: len(strings.Fields(content)),
		Metadata:  metadata,
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func contentTypeAllowed(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// ValidateQuality applies the extraction quality gate: at least 30
// characters and 10 words, at least half the runes printable, and a
// replacement-character ratio of at most 20%. The worker applies the
// same gate to cached content before reusing it.
func ValidateQuality(content string) *Error {
	if len(content) < 30 {
		return newError(KindTooShort, fmt.Sprintf("content has %d chars, need 30", len(content)), nil)
	}
	if words := len(strings.Fields(content)); words < 10 {
		return newError(KindTooShort, fmt.Sprintf("content has %d words, need 10", words), nil)
	}

	var printable, replacement, total int
	for _, r := range content {
		total++
		if r == unicode.ReplacementChar {
			replacement++
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 || float64(printable)/float64(total) < 0.5 {
		return newError(KindEmptyOrBinary, "content is mostly non-printable", nil)
	}
	if float64(replacement)/float64(total) > 0.2 {
		return newError(KindDecode, "content has too many replacement characters", nil)
	}
	return nil
}
