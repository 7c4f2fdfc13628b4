// Package rank scores retrieved documents against a query with BM25.
package rank

import (
	"math"
	"regexp"
	"sort"
	"time"
)

const (
	defaultK1 = 1.5
	defaultB  = 0.75
)

var tokenPattern = regexp.MustCompile(`[0-9A-Za-z_]+`)

// Tokenize lowercases the text and splits it into word tokens. Shared with
// the heuristic analysis stage, which needs the same token universe.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(lower(text), -1)
}

func lower(s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// TokenSet returns the distinct tokens of a text.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		set[tok] = true
	}
	return set
}

// Doc is one rankable document. ID breaks score ties deterministically.
type Doc struct {
	ID      string
	Title   string
	Summary string
	Updated time.Time
}

// Result pairs a document with its BM25 score.
type Result struct {
	Doc   Doc
	Score float64
}

// Ranker holds the BM25 parameters.
type Ranker struct {
	K1 float64
	B  float64
}

// NewRanker returns a Ranker with the standard parameters.
func NewRanker() *Ranker {
	return &Ranker{K1: defaultK1, B: defaultB}
}

// Top scores every document against the query and returns the best k,
// ordered by score descending with recency then id as tie-breakers.
func (r *Ranker) Top(query string, docs []Doc, k int) []Result {
	if len(docs) == 0 || k <= 0 {
		return nil
	}
	queryTokens := Tokenize(query)

	docTokens := make([][]string, len(docs))
	totalLen := 0
	df := make(map[string]int)
	for i, d := range docs {
		toks := Tokenize(d.Title + "\n" + d.Summary)
		docTokens[i] = toks
		totalLen += len(toks)
		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	avgdl := math.Max(float64(totalLen)/float64(len(docs)), 1e-6)
	n := float64(len(docs))

	idf := make(map[string]float64, len(queryTokens))
	for _, t := range queryTokens {
		if _, ok := idf[t]; ok {
			continue
		}
		nt := float64(df[t])
		idf[t] = math.Log((n-nt+0.5)/(nt+0.5) + 1)
	}

	results := make([]Result, len(docs))
	for i, d := range docs {
		tf := make(map[string]int, len(docTokens[i]))
		for _, t := range docTokens[i] {
			tf[t]++
		}
		dl := float64(len(docTokens[i]))
		score := 0.0
		for _, t := range queryTokens {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			denom := math.Max(f+r.K1*(1-r.B+r.B*dl/avgdl), 1e-6)
			score += idf[t] * (f * (r.K1 + 1)) / denom
		}
		results[i] = Result{Doc: d, Score: score}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Doc.Updated.Equal(results[j].Doc.Updated) {
			return results[i].Doc.Updated.After(results[j].Doc.Updated)
		}
		return results[i].Doc.ID < results[j].Doc.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
