package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGitHubBase = "https://api.github.com/search/repositories"

// GitHub searches public repositories, ordered by stars. A GITHUB_TOKEN
// raises the API rate limits but is optional.
type GitHub struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewGitHub returns an adapter against the public GitHub search API.
func NewGitHub(token string) *GitHub {
	return &GitHub{BaseURL: defaultGitHubBase, Token: token, Client: &http.Client{Timeout: 20 * time.Second}}
}

func (g *GitHub) Name() string { return NameGitHub }

type githubSearchResponse struct {
	Items []struct {
		ID          int64  `json:"id"`
		FullName    string `json:"full_name"`
		HTMLURL     string `json:"html_url"`
		Description string `json:"description"`
		Stars       int    `json:"stargazers_count"`
		Language    string `json:"language"`
		UpdatedAt   string `json:"updated_at"`
	} `json:"items"`
}

func (g *GitHub) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	perPage := opts.MaxResults
	if perPage < 1 {
		perPage = 1
	}
	if perPage > 100 {
		perPage = 100
	}
	page := 1 + opts.Start/perPage

	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", "stars")
	params.Set("order", "desc")
	params.Set("per_page", fmt.Sprintf("%d", perPage))
	params.Set("page", fmt.Sprintf("%d", page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github status %d", resp.StatusCode)
	}

	var body githubSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("github decode: %w", err)
	}

	out := make([]Candidate, 0, len(body.Items))
	for _, repo := range body.Items {
		var parts []string
		if repo.Description != "" {
			parts = append(parts, repo.Description)
		}
		parts = append(parts, fmt.Sprintf("★ %d", repo.Stars))
		if repo.Language != "" {
			parts = append(parts, repo.Language)
		}
		c := Candidate{
			SourceID: fmt.Sprintf("%d", repo.ID),
			Title:    repo.FullName,
			Summary:  strings.Join(parts, " • "),
			AbsURL:   repo.HTMLURL,
		}
		if t, err := time.Parse(time.RFC3339, repo.UpdatedAt); err == nil {
			c.Updated = &t
		}
		out = append(out, c)
	}

	// Client-side adjust when start is not aligned to a page boundary.
	if offset := opts.Start % perPage; offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}
