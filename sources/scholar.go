package sources

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultDuckDuckGoBase = "https://html.duckduckgo.com/html/"

// Scholar retrieves Google Scholar results through a DuckDuckGo
// site-restricted web search. Scholar itself blocks scrapers; DuckDuckGo's
// HTML endpoint exposes the public snippets. Metadata is limited to title,
// link and snippet.
type Scholar struct {
	BaseURL string
	Client  *http.Client
}

// NewScholar returns an adapter against the DuckDuckGo HTML endpoint.
func NewScholar() *Scholar {
	return &Scholar{BaseURL: defaultDuckDuckGoBase, Client: &http.Client{Timeout: 20 * time.Second}}
}

func (s *Scholar) Name() string { return NameScholar }

var (
	resultLinkPattern    = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetPattern = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	tagPattern           = regexp.MustCompile(`<[^>]+>`)
)

func (s *Scholar) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	params := url.Values{}
	params.Set("q", "site:scholar.google.com "+query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; paperscout/1.0)")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scholar request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scholar status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	links := resultLinkPattern.FindAllStringSubmatch(string(body), -1)
	snippets := resultSnippetPattern.FindAllStringSubmatch(string(body), -1)

	// The endpoint has no server-side offset, so over-fetch and slice.
	out := make([]Candidate, 0, opts.MaxResults)
	for i, m := range links {
		if i < opts.Start {
			continue
		}
		link := resolveRedirect(html.UnescapeString(m[1]))
		title := cleanHTMLText(m[2])
		if title == "" && link == "" {
			continue
		}
		snippet := ""
		if i < len(snippets) {
			snippet = cleanHTMLText(snippets[i][1])
		}
		out = append(out, Candidate{
			SourceID: link,
			Title:    title,
			Summary:  snippet,
			AbsURL:   link,
		})
		if len(out) >= opts.MaxResults {
			break
		}
	}
	return out, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		return "https:" + href
	}
	return href
}

func cleanHTMLText(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, "")))
}
