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

const defaultEutilsBase = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed searches articles through the NCBI E-utilities JSON endpoints:
// esearch for PMIDs, esummary for metadata.
type PubMed struct {
	BaseURL string
	Client  *http.Client
}

// NewPubMed returns an adapter against the public E-utilities endpoint.
func NewPubMed() *PubMed {
	return &PubMed{BaseURL: defaultEutilsBase, Client: &http.Client{Timeout: 20 * time.Second}}
}

func (p *PubMed) Name() string { return NamePubMed }

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (p *PubMed) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("retmode", "json")
	params.Set("retmax", fmt.Sprintf("%d", opts.MaxResults))
	params.Set("retstart", fmt.Sprintf("%d", opts.Start))
	params.Set("term", query)

	var search esearchResponse
	if err := p.getJSON(ctx, p.BaseURL+"/esearch.fcgi?"+params.Encode(), &search); err != nil {
		return nil, fmt.Errorf("pubmed esearch: %w", err)
	}
	ids := search.Result.IDList
	if len(ids) == 0 {
		return nil, nil
	}

	sumParams := url.Values{}
	sumParams.Set("db", "pubmed")
	sumParams.Set("retmode", "json")
	sumParams.Set("id", strings.Join(ids, ","))

	// esummary keys the result object by PMID, so decode into a raw map.
	var summary struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := p.getJSON(ctx, p.BaseURL+"/esummary.fcgi?"+sumParams.Encode(), &summary); err != nil {
		return nil, fmt.Errorf("pubmed esummary: %w", err)
	}

	out := make([]Candidate, 0, len(ids))
	for _, pmid := range ids {
		var info struct {
			Title   string `json:"title"`
			PubDate string `json:"pubdate"`
		}
		if raw, ok := summary.Result[pmid]; ok {
			_ = json.Unmarshal(raw, &info)
		}
		out = append(out, Candidate{
			SourceID: pmid,
			Title:    info.Title,
			Summary:  info.PubDate,
			AbsURL:   fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", pmid),
		})
	}
	return out, nil
}

func (p *PubMed) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
