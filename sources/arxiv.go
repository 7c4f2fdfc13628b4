package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultArxivBase = "http://export.arxiv.org/api/query"

var (
	proximityPattern  = regexp.MustCompile(`(?i)\bNEAR/\d+\b`)
	noiseTokenPattern = regexp.MustCompile(`(?i)\b(pdf|document|doc|pdf2text|pdftables)\b`)
	emptyParenPattern = regexp.MustCompile(`\(\s*\)`)
	spacePattern      = regexp.MustCompile(`\s+`)
	versionPattern    = regexp.MustCompile(`v\d+$`)
)

// NormalizeArxivQuery rewrites a boolean query into arXiv syntax: proximity
// operators and noise tokens that never appear in abstracts are dropped,
// leftover empty parentheses removed, whitespace collapsed.
func NormalizeArxivQuery(query string) string {
	cleaned := proximityPattern.ReplaceAllString(query, " ")
	cleaned = noiseTokenPattern.ReplaceAllString(cleaned, " ")
	cleaned = emptyParenPattern.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(cleaned, " "))
}

// Arxiv queries the arXiv Atom API.
type Arxiv struct {
	BaseURL string
	Client  *http.Client
}

// NewArxiv returns an adapter against the public arXiv endpoint.
func NewArxiv() *Arxiv {
	return &Arxiv{BaseURL: defaultArxivBase, Client: &http.Client{Timeout: 20 * time.Second}}
}

func (a *Arxiv) Name() string { return NameArxiv }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Links     []struct {
		Href  string `xml:"href,attr"`
		Rel   string `xml:"rel,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"primary_category"`
	DOI        string `xml:"doi"`
	Comment    string `xml:"comment"`
	JournalRef string `xml:"journal_ref"`
}

func (a *Arxiv) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	searchQuery := NormalizeArxivQuery(query)
	if len(opts.Categories) > 0 {
		cats := make([]string, 0, len(opts.Categories))
		for _, c := range opts.Categories {
			cats = append(cats, "cat:"+c)
		}
		searchQuery = searchQuery + " AND (" + strings.Join(cats, " OR ") + ")"
	}

	params := url.Values{}
	params.Set("search_query", searchQuery)
	params.Set("start", fmt.Sprintf("%d", opts.Start))
	params.Set("max_results", fmt.Sprintf("%d", opts.MaxResults))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv status %d", resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("arxiv decode: %w", err)
	}

	out := make([]Candidate, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		c := Candidate{
			SourceID:        arxivID(e.ID),
			Title:           strings.TrimSpace(e.Title),
			Summary:         strings.TrimSpace(e.Summary),
			AbsURL:          e.ID,
			DOI:             e.DOI,
			Comment:         e.Comment,
			JournalRef:      e.JournalRef,
			PrimaryCategory: e.PrimaryCategory.Term,
		}
		for _, cat := range e.Categories {
			c.Categories = append(c.Categories, cat.Term)
		}
		for _, l := range e.Links {
			if l.Title == "pdf" {
				c.PDFURL = l.Href
			}
		}
		if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
			c.Published = &t
		}
		if t, err := time.Parse(time.RFC3339, e.Updated); err == nil {
			c.Updated = &t
		}
		out = append(out, c)
	}
	return out, nil
}

// arxivID extracts the bare paper id from the entry URL, dropping the
// version suffix.
func arxivID(entryURL string) string {
	id := entryURL
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return versionPattern.ReplaceAllString(id, "")
}
