package pipeline

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/avelins/paperscout/rank"
	"github.com/avelins/paperscout/sources"
)

// perQueryLimit caps how many candidates a single query may pull from its
// source in one cycle.
const perQueryLimit = 50

// BroadenQuery relaxes an over-constrained boolean query for the single
// retry pass. The order of fallbacks is drop-last-clause, first-two-clauses,
// then the raw token bag.
func BroadenQuery(query string) []string {
	parts := strings.Split(query, " AND ")
	var out []string
	if len(parts) > 1 {
		out = append(out, strings.TrimSpace(strings.Join(parts[:len(parts)-1], " AND ")))
	}
	if len(parts) > 2 {
		out = append(out, strings.TrimSpace(strings.Join(parts[:2], " AND ")))
	}
	out = append(out, strings.Join(rank.Tokenize(query), " "))
	return out
}

// Retriever fans queries out to their sources and merges the results.
type Retriever struct {
	Registry *sources.Registry
}

// Collect runs every query against its source concurrently and returns the
// deduplicated union, first occurrence wins per SourceID. A source error
// contributes zero candidates. If the union comes back empty each query is
// broadened once and the whole pass is retried a single time.
func (r *Retriever) Collect(ctx context.Context, queries []Query) []sources.Candidate {
	merged := r.collectOnce(ctx, queries)
	if len(merged) > 0 {
		return merged
	}

	broadened := make([]Query, 0, len(queries))
	for _, q := range queries {
		for _, alt := range BroadenQuery(q.QueryText) {
			if alt == "" || alt == q.QueryText {
				continue
			}
			b := q
			b.QueryText = alt
			broadened = append(broadened, b)
			break
		}
	}
	if len(broadened) == 0 {
		return merged
	}
	log.WithField("queries", len(broadened)).Info("retrieval empty, retrying with broadened queries")
	return r.collectOnce(ctx, broadened)
}

func (r *Retriever) collectOnce(ctx context.Context, queries []Query) []sources.Candidate {
	var mu sync.Mutex
	var ordered []sources.Candidate
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		q := q
		if !r.Registry.Has(q.Source) {
			log.WithFields(log.Fields{"source": q.Source, "query": q.QueryText}).
				Warn("skipping query for unknown source")
			continue
		}
		g.Go(func() error {
			opts := sources.SearchOptions{MaxResults: perQueryLimit, Categories: q.Categories}
			found, err := r.Registry.Search(gctx, q.Source, q.QueryText, opts)
			if err != nil {
				log.WithFields(log.Fields{"source": q.Source, "err": err}).
					Warn("source search failed")
				return nil
			}
			mu.Lock()
			for _, c := range found {
				if c.SourceID == "" || seen[c.SourceID] {
					continue
				}
				seen[c.SourceID] = true
				ordered = append(ordered, c)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return ordered
}
