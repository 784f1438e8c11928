package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<html>
<head><title>Release Notes</title><style>body { color: red }</style></head>
<body>
<nav>Home | Docs | About</nav>
<h1>Version 2.0</h1>
<h2>Highlights</h2>
<p>This release reworks the scheduler so that long running jobs no longer starve short ones.</p>
<ul><li>Faster startup</li><li>Lower memory use</li></ul>
<script>trackPageView()</script>
<footer>Copyright</footer>
</body>
</html>`

func TestWebFetchExtractsReadableText(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	tool := &webFetch{httpClient: srv.Client()}
	result := tool.Execute(context.Background(), map[string]any{"url": srv.URL})

	require.True(t, result.Success, "fetch failed: %s", result.Error)
	require.True(t, strings.HasPrefix(result.Output, "Source: "+srv.URL))
	require.Contains(t, result.Output, "# Release Notes")
	require.Contains(t, result.Output, "# Version 2.0")
	require.Contains(t, result.Output, "## Highlights")
	require.Contains(t, result.Output, "reworks the scheduler")
	require.Contains(t, result.Output, "- Faster startup")
	require.NotContains(t, result.Output, "trackPageView")
	require.NotContains(t, result.Output, "color: red")
	require.NotContains(t, result.Output, "Home | Docs")
}

func TestWebFetchRejectsBadURLs(t *testing.T) {
	tool := &webFetch{httpClient: http.DefaultClient}

	result := tool.Execute(context.Background(), map[string]any{})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "missing 'url'")

	result = tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com/file"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "http or https")
}

func TestWebFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tool := &webFetch{httpClient: srv.Client()}
	result := tool.Execute(context.Background(), map[string]any{"url": srv.URL + "/missing"})

	require.False(t, result.Success)
	require.Contains(t, result.Error, "HTTP 404")
}

func TestHTMLToTextTruncatesLongDocuments(t *testing.T) {
	long := "<html><body><p>" + strings.Repeat("scheduler details and more context here. ", 1000) + "</p></body></html>"

	text, err := htmlToText(long)
	require.NoError(t, err)
	require.LessOrEqual(t, len(text), webFetchTextCap+len("\n\n[Content truncated...]"))
	require.True(t, strings.HasSuffix(text, "[Content truncated...]"))
}

func TestWebFetchCachedByDecorator(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Cached</title></head><body></body></html>"))
	}))
	defer srv.Close()

	cached := WithCache(&webFetch{httpClient: srv.Client()}, CacheConfig{})

	first := cached.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.True(t, first.Success)
	second := cached.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.True(t, second.Success)

	require.Equal(t, int32(1), hits.Load(), "second fetch should come from the cache")
	require.Equal(t, first.Output, second.Output)
}
