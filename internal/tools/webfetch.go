package tools

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"routa/internal/httpclient"
	"routa/internal/logging"
)

const (
	webFetchTimeout   = 30 * time.Second
	webFetchBodyLimit = 2 * 1024 * 1024
	webFetchTextCap   = 15000
)

// webFetch retrieves a page and converts the HTML to readable text.
type webFetch struct {
	httpClient *http.Client
}

// NewWebFetch returns the web_fetch tool. Wrap it with WithCache to
// avoid refetching the same page within a session.
func NewWebFetch(logger logging.Logger) Tool {
	client := httpclient.New(webFetchTimeout, logger)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	}
	return &webFetch{httpClient: client}
}

func (t *webFetch) Execute(ctx context.Context, args map[string]any) *Result {
	urlStr, ok := stringArg(args, "url")
	if !ok || urlStr == "" {
		return Errorf("web_fetch: missing 'url'")
	}

	parsed, err := neturl.Parse(urlStr)
	if err != nil {
		return Errorf("web_fetch: invalid URL: %v", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		// Plain HTTP is upgraded before dialing.
		parsed.Scheme = "https"
		urlStr = parsed.String()
	default:
		return Errorf("web_fetch: URL must use http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return Errorf("web_fetch: create request: %v", err)
	}
	req.Header.Set("User-Agent", "routa-agent/1.0 (web content fetcher)")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Errorf("web_fetch: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Errorf("web_fetch: HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	finalURL := resp.Request.URL.String()
	if hostOf(urlStr) != hostOf(finalURL) {
		return Ok(fmt.Sprintf("URL redirected to a different domain:\n\nOriginal: %s\nRedirect: %s\n\nMake a new request with the redirect URL.", urlStr, finalURL))
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, webFetchBodyLimit)
	if err != nil {
		return Errorf("web_fetch: read response: %v", err)
	}

	text, err := htmlToText(string(body))
	if err != nil {
		return Errorf("web_fetch: parse HTML: %v", err)
	}
	return Ok(fmt.Sprintf("Source: %s\n\n%s", finalURL, text))
}

func (t *webFetch) Definition() Definition {
	return Definition{
		Name:        "web_fetch",
		Description: "Fetch a web page and convert it to readable text (title, headings, paragraphs, lists)",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"url": {Type: "string", Description: "Full URL to fetch (http is upgraded to https)"},
			},
			Required: []string{"url"},
		},
	}
}

func hostOf(urlStr string) string {
	u, err := neturl.Parse(urlStr)
	if err != nil {
		return ""
	}
	return u.Host
}

// htmlToText reduces an HTML document to markdown-flavored text.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		level := int(s.Get(0).Data[1] - '0')
		content.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
	})

	doc.Find("p, article, section").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" && len(text) > 30 {
			content.WriteString(text + "\n\n")
		}
	})

	doc.Find("ul, ol").Each(func(i int, s *goquery.Selection) {
		s.Find("li").Each(func(j int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	result := strings.TrimSpace(content.String())
	if len(result) > webFetchTextCap {
		result = result[:webFetchTextCap] + "\n\n[Content truncated...]"
	}
	return result, nil
}
