package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html lang="en-US">
<head>
<title>Raw Title</title>
<meta property="og:title" content="Understanding Go Channels">
<meta name="description" content="A deep dive into channels.">
<meta name="author" content="Pat Writer">
<script>var tracking = "should not appear";</script>
<style>.hidden { display: none }</style>
</head>
<body>
<nav>Home | About | Contact</nav>
<article>
<h1>Understanding Go Channels</h1>
<p>Channels are the pipes that connect concurrent goroutines. You can send
values into channels from one goroutine and receive those values in another
goroutine, which makes coordination explicit and safe.</p>
</article>
<footer>Copyright notice that should be stripped.</footer>
</body>
</html>`

func testCrawler(timeout time.Duration, maxRetries int) *Crawler {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	cfg.MaxRetries = maxRetries
	return New(cfg)
}

func TestCrawlExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	result, err := testCrawler(5*time.Second, 0).Crawl(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Understanding Go Channels", result.Title)
	assert.Equal(t, "en", result.Language)
	assert.Contains(t, result.Content, "pipes that connect concurrent goroutines")
	assert.NotContains(t, result.Content, "tracking", "script content must be stripped")
	assert.NotContains(t, result.Content, "Copyright notice", "footer must be stripped")
	assert.NotContains(t, result.Content, "Home | About", "nav must be stripped")
	assert.Greater(t, result.WordCount, 10)
	assert.Equal(t, "A deep dive into channels.", result.Metadata["description"])
	assert.Equal(t, "Pat Writer", result.Metadata["author"])
}

func TestCrawl4xxIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testCrawler(5*time.Second, 3).Crawl(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_error.status_4xx")
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "4xx must not be retried")
}

func TestCrawl5xxIsRetriedThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	result, err := testCrawler(5*time.Second, 2).Crawl(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.Equal(t, "Understanding Go Channels", result.Title)
}

func TestCrawlRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer srv.Close()

	_, err := testCrawler(5*time.Second, 0).Crawl(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_error.empty_or_binary")
}

func TestCrawlRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>", strings.Repeat("x", 4096), "</body></html>")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxContentSize = 1024
	cfg.MaxRetries = 0
	_, err := New(cfg).Crawl(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_error.content_too_large")
}

func TestCrawlNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := testCrawler(time.Second, 0).Crawl(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_error.network")
}

func TestCrawlRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRedirects = 3
	cfg.MaxRetries = 0
	_, err := New(cfg).Crawl(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_error.network")
}

func TestValidateQuality(t *testing.T) {
	longEnough := strings.Repeat("real words in a sentence here ", 3)

	t.Run("accepts normal prose", func(t *testing.T) {
		assert.Nil(t, ValidateQuality(longEnough))
	})

	t.Run("rejects short content", func(t *testing.T) {
		err := ValidateQuality("too short")
		require.NotNil(t, err)
		assert.Equal(t, KindTooShort, err.Kind)
	})

	t.Run("rejects few words", func(t *testing.T) {
		err := ValidateQuality(strings.Repeat("a", 40))
		require.NotNil(t, err)
		assert.Equal(t, KindTooShort, err.Kind)
	})

	t.Run("rejects mojibake", func(t *testing.T) {
		garbled := strings.Repeat("�", 20) + " some words to pad out the tail of this text body"
		err := ValidateQuality(garbled)
		require.NotNil(t, err)
		assert.Equal(t, KindDecode, err.Kind)
	})
}
