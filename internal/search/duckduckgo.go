package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/occam-assistant/internal/httpkit"
)

const duckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo implements [Provider] by scraping DuckDuckGo's HTML
// endpoint. It needs no API key.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		endpoint:   duckDuckGoURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	form := url.Values{"q": {query}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	if err := httpkit.CheckStatus("duckduckgo", resp); err != nil {
		return nil, err
	}
	defer httpkit.Drain(resp.Body)

	results, err := parseDuckDuckGo(io.LimitReader(resp.Body, 2<<20), opts.limit())
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	return results, nil
}

// parseDuckDuckGo extracts results from the HTML results page. Each
// result is a div.result holding an a.result__a (title and link) and an
// optional .result__snippet. Ads (div.result--ad) are skipped.
func parseDuckDuckGo(r io.Reader, limit int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var results []Result
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Div && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if res, ok := parseResultNode(n); ok {
				results = append(results, res)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results, nil
}

func parseResultNode(n *html.Node) (Result, bool) {
	var res Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a") && res.URL == "":
				res.Title = collapseSpace(textContent(n))
				res.URL = resolveDuckDuckGoLink(attr(n, "href"))
				return
			case hasClass(n, "result__snippet") && res.Snippet == "":
				res.Snippet = collapseSpace(textContent(n))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return res, res.URL != "" && res.Title != ""
}

// resolveDuckDuckGoLink unwraps DuckDuckGo's redirect links
// (//duckduckgo.com/l/?uddg=<target>) to the target URL.
func resolveDuckDuckGoLink(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
