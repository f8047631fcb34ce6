// Package rerank orders retrieved memories by a weighted blend of
// semantic, temporal, importance, frequency and contextual signals.
package rerank

import (
	"sort"
	"strings"
	"time"

	"anima/config"
	"anima/internal/store"
)

// Candidate is one ANN hit awaiting scoring. Rank is the zero-based
// position in the ANN result order and doubles as the tie-breaker.
type Candidate struct {
	Interaction store.Interaction
	Rank        int
	Distance    float32
}

// Scores is the per-factor breakdown behind a candidate's total.
type Scores struct {
	Temporal   float64
	Importance float64
	Frequency  float64
	Contextual float64
	Total      float64
}

// Scored is a candidate with its computed ranking scores.
type Scored struct {
	Candidate
	Scores Scores
}

// Context carries the retrieval-time signals used for contextual
// matching: an optional expected category and recent session texts.
type Context struct {
	Category string
	Session  []string
}

// Reranker orders candidates best-first. accessCounts maps interaction id
// to its access count over the frequency window; a nil map means the
// counts were unavailable and frequency scores stay neutral.
type Reranker interface {
	Rerank(candidates []Candidate, qc Context, accessCounts map[string]int64, now time.Time) []Scored
}

// New returns the weighted reranker, or a pass-through when re-ranking is
// disabled.
func New(cfg config.MemoryConfig) Reranker {
	if !cfg.RerankEnabled {
		return noop{}
	}
	return &Weighted{weights: cfg.RerankWeights}
}

type noop struct{}

var _ Reranker = noop{}

// Rerank keeps the ANN order untouched.
func (noop) Rerank(candidates []Candidate, _ Context, _ map[string]int64, _ time.Time) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c}
	}
	return out
}

// Weighted scores each candidate on five factors and sorts by the
// weighted total. The semantic factor is constant 1.0: every candidate
// already passed the ANN pre-filter, so the vector distance only decides
// the tie-break order.
type Weighted struct {
	weights config.RerankWeights
}

var _ Reranker = (*Weighted)(nil)

func (w *Weighted) Rerank(candidates []Candidate, qc Context, accessCounts map[string]int64, now time.Time) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		s := Scores{
			Temporal:   temporalScore(c.Interaction.Timestamp, now),
			Importance: importanceScore(c.Interaction.Importance),
			Frequency:  frequencyScore(c.Interaction.ID, accessCounts),
			Contextual: contextualScore(c.Interaction, qc),
		}
		s.Total = w.weights.Semantic*1.0 +
			w.weights.Temporal*s.Temporal +
			w.weights.Importance*s.Importance +
			w.weights.Frequency*s.Frequency +
			w.weights.Contextual*s.Contextual
		out[i] = Scored{Candidate: c, Scores: s}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scores.Total != out[j].Scores.Total {
			return out[i].Scores.Total > out[j].Scores.Total
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// temporalScore buckets by whole days of age. A zero timestamp scores
// neutral.
func temporalScore(ts, now time.Time) float64 {
	if ts.IsZero() {
		return 0.5
	}
	days := int(now.Sub(ts).Hours() / 24)
	switch {
	case days <= 1:
		return 1.0
	case days <= 7:
		return 0.8
	case days <= 30:
		return 0.5
	default:
		return 0.2
	}
}

func importanceScore(importance int) float64 {
	s := float64(importance) / 10.0
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// frequencyScore normalizes the windowed access count: 10 or more
// accesses saturate at 1.0.
func frequencyScore(id string, counts map[string]int64) float64 {
	if counts == nil {
		return 0.5
	}
	s := float64(counts[id]) / 10.0
	if s > 1 {
		return 1
	}
	return s
}

func contextualScore(in store.Interaction, qc Context) float64 {
	score := 0.0

	if qc.Category != "" {
		qcat := strings.ToLower(qc.Category)
		if cat := strings.ToLower(in.Category); cat != "" && cat == qcat {
			score += 0.5
		}
		for _, tag := range in.Tags {
			if strings.Contains(strings.ToLower(tag), qcat) {
				score += 0.3
				break
			}
		}
	}

	if len(qc.Session) > 0 {
		keywords := make(map[string]struct{})
		for _, s := range qc.Session {
			for _, w := range strings.Fields(strings.ToLower(s)) {
				keywords[w] = struct{}{}
			}
		}
		seen := make(map[string]struct{})
		overlap := 0
		for _, w := range strings.Fields(strings.ToLower(in.UserPrompt + " " + in.AgentResponse)) {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			if _, ok := keywords[w]; ok {
				overlap++
			}
		}
		if overlap > 0 {
			s := float64(overlap) / 20.0
			if s > 0.5 {
				s = 0.5
			}
			score += s
		}
	}

	if score > 1 {
		return 1
	}
	return score
}
