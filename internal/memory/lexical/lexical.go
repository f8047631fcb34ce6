// Package lexical maintains an in-memory keyword index over interactions
// for exact-term recall and usage insights. It complements the vector
// index: embeddings catch paraphrase, keywords catch names and jargon.
package lexical

import (
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"anima/internal/store"
)

type doc struct {
	UserPrompt    string   `json:"user_prompt"`
	AgentResponse string   `json:"agent_response"`
	Tags          []string `json:"tags"`
	Category      string   `json:"category"`
	UserID        string   `json:"user_id"`
}

// Hit is one keyword search result.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

// TermCount is one entry of a top-terms report.
type TermCount struct {
	Term  string
	Count uint64
}

// Index wraps a memory-only bleve index. It is rebuilt from the store at
// startup and updated on every save, so it never outlives the process.
type Index struct {
	index bleve.Index

	mu    sync.RWMutex
	users map[string]string
}

// New creates an empty index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{index: idx, users: make(map[string]string)}, nil
}

// Add indexes one interaction.
func (x *Index) Add(in store.Interaction) error {
	if err := x.index.Index(in.ID, docFor(in)); err != nil {
		return err
	}
	x.mu.Lock()
	x.users[in.ID] = in.UserID
	x.mu.Unlock()
	return nil
}

// AddBatch indexes many interactions in one pass, used for the startup
// rebuild.
func (x *Index) AddBatch(ins []store.Interaction) error {
	b := x.index.NewBatch()
	for _, in := range ins {
		if err := b.Index(in.ID, docFor(in)); err != nil {
			return err
		}
	}
	if err := x.index.Batch(b); err != nil {
		return err
	}
	x.mu.Lock()
	for _, in := range ins {
		x.users[in.ID] = in.UserID
	}
	x.mu.Unlock()
	return nil
}

// Remove drops the given interactions from the index.
func (x *Index) Remove(ids []string) error {
	b := x.index.NewBatch()
	for _, id := range ids {
		b.Delete(id)
	}
	if err := x.index.Batch(b); err != nil {
		return err
	}
	x.mu.Lock()
	for _, id := range ids {
		delete(x.users, id)
	}
	x.mu.Unlock()
	return nil
}

// Search runs a query-string search and returns up to k hits for the
// user. The request over-fetches threefold because hits belonging to
// other users are dropped after scoring.
func (x *Index) Search(q, userID string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.index.Search(req)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Hit
	for _, hit := range res.Hits {
		if userID != "" && x.users[hit.ID] != userID {
			continue
		}
		out = append(out, Hit{ID: hit.ID, Score: hit.Score, Rank: len(out) + 1})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Count reports how many interactions are indexed.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

var stopTerms = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"have": {}, "from": {}, "what": {}, "your": {}, "about": {}, "when": {},
	"how": {}, "are": {}, "you": {}, "can": {}, "not": {}, "was": {},
}

// TopTerms reports the most frequent indexed terms of a field across the
// whole corpus, skipping short and stop terms.
func (x *Index) TopTerms(field string, n int) ([]TermCount, error) {
	if n <= 0 {
		return nil, nil
	}
	dict, err := x.index.FieldDict(field)
	if err != nil {
		return nil, err
	}
	defer dict.Close()

	var terms []TermCount
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if len(entry.Term) < 4 {
			continue
		}
		if _, stop := stopTerms[entry.Term]; stop {
			continue
		}
		terms = append(terms, TermCount{Term: entry.Term, Count: entry.Count})
	}

	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms, nil
}

func docFor(in store.Interaction) doc {
	return doc{
		UserPrompt:    in.UserPrompt,
		AgentResponse: in.AgentResponse,
		Tags:          in.Tags,
		Category:      in.Category,
		UserID:        in.UserID,
	}
}
