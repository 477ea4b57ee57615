package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/nugget/occam-assistant/internal/httpkit"
)

const (
	braveEndpoint = "https://api.search.brave.com/res/v1/web/search"
	apiTimeout    = 15 * time.Second
)

func newAPIClient() *http.Client {
	return httpkit.NewClient(httpkit.WithTimeout(apiTimeout), httpkit.WithRetry(1, 500*time.Millisecond))
}

// getJSON issues a GET and decodes a JSON body into out.
func getJSON(ctx context.Context, c *http.Client, service, endpoint string, q url.Values, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", service, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", service, err)
	}
	if err := httpkit.CheckStatus(service, resp); err != nil {
		return err
	}
	defer httpkit.Drain(resp.Body)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", service, err)
	}
	return nil
}

// Brave queries the Brave Search web API.
type Brave struct {
	key      string
	endpoint string
	client   *http.Client
}

// NewBrave creates a Brave provider for the given subscription token.
func NewBrave(key string) *Brave {
	return &Brave{key: key, endpoint: braveEndpoint, client: newAPIClient()}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	q := url.Values{"q": {query}, "count": {strconv.Itoa(opts.limit())}}
	hdr := http.Header{"X-Subscription-Token": {b.key}}
	if err := getJSON(ctx, b.client, "brave", b.endpoint, q, hdr, &body); err != nil {
		return nil, err
	}

	out := make([]Result, len(body.Web.Results))
	for i, r := range body.Web.Results {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)}
	}
	return out, nil
}

// SearXNG queries a self-hosted SearXNG instance. The instance must
// have the json output format enabled.
type SearXNG struct {
	base   string
	client *http.Client
}

// NewSearXNG creates a provider for the instance rooted at base, such
// as "http://localhost:8080".
func NewSearXNG(base string) *SearXNG {
	return &SearXNG{base: strings.TrimRight(base, "/"), client: newAPIClient()}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	q := url.Values{"q": {query}, "format": {"json"}}
	if err := getJSON(ctx, s.client, "searxng", s.base+"/search", q, nil, &body); err != nil {
		return nil, err
	}

	// SearXNG has no count parameter.
	n := min(len(body.Results), opts.limit())
	out := make([]Result, n)
	for i, r := range body.Results[:n] {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content}
	}
	return out, nil
}

// stripTags flattens the <strong> highlighting and entities Brave puts
// in descriptions.
func stripTags(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	return textContent(doc)
}
