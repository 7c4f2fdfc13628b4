// Package sources provides the search adapters the retrieval stage fans out
// to: arXiv, Google Scholar (via DuckDuckGo), PubMed and GitHub. Every
// adapter normalizes its results into the shared Candidate shape.
package sources

import (
	"context"
	"time"
)

// Source names used by query plans.
const (
	NameArxiv   = "arxiv"
	NameScholar = "scholar"
	NamePubMed  = "pubmed"
	NameGitHub  = "github"
)

// Candidate is one retrieved item, regardless of source. SourceID is the
// stable identifier used for deduplication and persistence.
type Candidate struct {
	SourceID        string
	Title           string
	Summary         string
	Categories      []string
	Published       *time.Time
	Updated         *time.Time
	PDFURL          string
	AbsURL          string
	DOI             string
	Comment         string
	JournalRef      string
	PrimaryCategory string
	BM25Score       float64
}

// SearchOptions controls one page fetch.
type SearchOptions struct {
	MaxResults int
	Start      int
	// Categories constrains arXiv searches; other sources ignore it.
	Categories []string
}

// Source is a single search backend returning one page per call.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error)
}

// SearchAll walks a source page by page until the limit, an empty page, or a
// short page.
func SearchAll(ctx context.Context, src Source, query string, chunkSize, limit int) ([]Candidate, error) {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	var out []Candidate
	start := 0
	for {
		page, err := src.Search(ctx, query, SearchOptions{MaxResults: chunkSize, Start: start})
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, c := range page {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, c)
		}
		start += len(page)
		if len(page) < chunkSize {
			return out, nil
		}
	}
}
