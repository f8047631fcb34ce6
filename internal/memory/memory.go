// Package memory implements the agent's semantic memory: durable
// interaction storage, a vector index kept in sync with the store
// through a sequence watermark, weighted re-ranking of nearest-neighbour
// hits, and an in-memory keyword index for lexical search.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"anima/config"
	"anima/internal/agent/telemetry"
	"anima/internal/memory/embedding"
	"anima/internal/memory/index"
	"anima/internal/memory/lexical"
	"anima/internal/memory/rerank"
	"anima/internal/store"
)

// watermarkKey is the index_metadata row holding the highest interaction
// sequence number the vector index has absorbed.
const watermarkKey = "last_indexed_id"

// accessRetrieval marks access-log rows written for retrieval results.
const accessRetrieval = "retrieval"

// frequencyWindow bounds the access counts behind the frequency score.
const frequencyWindow = 30 * 24 * time.Hour

// Result is one retrieved memory with its ranking breakdown. Scores is
// zero when re-ranking is disabled.
type Result struct {
	Interaction store.Interaction `json:"interaction"`
	Distance    float32           `json:"distance"`
	Scores      rerank.Scores     `json:"scores"`
}

// Service owns the memory lifecycle: saving interactions, syncing and
// searching the vector index, keyword search and retention maintenance.
type Service struct {
	cfg      config.MemoryConfig
	store    *store.Store
	index    index.VectorIndex
	embedder embedding.Provider
	reranker rerank.Reranker
	lexical  *lexical.Index
	tel      *telemetry.Telemetry
	logger   *log.Logger
	tracer   trace.Tracer
	dim      int

	// mu serializes index mutation (sync, rebuild, cleanup) so a reader
	// never observes a half-updated index.
	mu sync.Mutex
}

// NewService opens the vector index from disk, falls back to an empty
// index when the file is missing or corrupt, and rebuilds the keyword
// index from the store. The store stays owned by the caller.
func NewService(ctx context.Context, cfg config.MemoryConfig, st *store.Store, embedder embedding.Provider, tel *telemetry.Telemetry) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("memory: store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedding provider is required")
	}
	dim := embedder.Dimension()
	if dim <= 0 {
		return nil, fmt.Errorf("memory: embedding dimension must be positive, got %d", dim)
	}
	logger := log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)

	idx := index.New(dim)
	if err := idx.Load(cfg.IndexPath); err != nil {
		logger.Printf("vector index load failed, rebuilding from store: %v", err)
		if err := idx.Reset(); err != nil {
			return nil, fmt.Errorf("resetting vector index: %w", err)
		}
		if err := st.MetaSetInt64(ctx, watermarkKey, 0); err != nil {
			return nil, fmt.Errorf("resetting index watermark: %w", err)
		}
	} else if idx.Count() == 0 {
		// An empty index must not inherit an old watermark, otherwise
		// rows indexed before the file was lost would never come back.
		wm, err := st.MetaGetInt64(ctx, watermarkKey, 0)
		if err != nil {
			return nil, fmt.Errorf("reading index watermark: %w", err)
		}
		if wm > 0 {
			if err := st.MetaSetInt64(ctx, watermarkKey, 0); err != nil {
				return nil, fmt.Errorf("resetting index watermark: %w", err)
			}
		}
	}

	lex, err := lexical.New()
	if err != nil {
		return nil, fmt.Errorf("creating keyword index: %w", err)
	}
	rows, err := st.AllInteractions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading interactions for keyword index: %w", err)
	}
	if err := lex.AddBatch(rows); err != nil {
		logger.Printf("keyword index rebuild failed, lexical search degraded: %v", err)
	}

	return &Service{
		cfg:      cfg,
		store:    st,
		index:    idx,
		embedder: embedder,
		reranker: rerank.New(cfg),
		lexical:  lex,
		tel:      tel,
		logger:   logger,
		tracer:   otel.Tracer("anima/memory"),
		dim:      dim,
	}, nil
}

// Dimension returns the embedding dimensionality the index expects.
func (s *Service) Dimension() int { return s.dim }

// Embed computes an embedding with the configured provider.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// SaveInteraction persists an interaction and feeds the keyword index.
// When no embedding is supplied one is computed from the user prompt; an
// embedding failure is logged and the row is saved without a vector. The
// vector index picks the row up on the next retrieval sync.
func (s *Service) SaveInteraction(ctx context.Context, in store.Interaction) (store.Interaction, error) {
	if in.UserID == "" {
		return store.Interaction{}, fmt.Errorf("interaction user id is required")
	}
	if in.UserPrompt == "" {
		return store.Interaction{}, fmt.Errorf("interaction user prompt is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if in.Type == "" {
		in.Type = "conversation"
	}
	if in.Category == "" {
		in.Category = "general"
	}
	if in.Importance <= 0 {
		in.Importance = 5
	}
	if in.Importance > 10 {
		in.Importance = 10
	}

	if len(in.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, in.UserPrompt)
		if err != nil {
			s.logger.Printf("embedding failed, saving interaction without vector: %v", err)
		} else {
			in.Embedding = vec
		}
	}
	if len(in.Embedding) > 0 && len(in.Embedding) != s.dim {
		if s.tel != nil {
			s.tel.RecordMemorySave(false)
		}
		return store.Interaction{}, fmt.Errorf("embedding has %d dimensions, index expects %d", len(in.Embedding), s.dim)
	}

	seq, err := s.store.InsertInteraction(ctx, in)
	if err != nil {
		if s.tel != nil {
			s.tel.RecordMemorySave(false)
		}
		return store.Interaction{}, fmt.Errorf("saving interaction: %w", err)
	}
	in.Seq = seq
	if err := s.lexical.Add(in); err != nil {
		s.logger.Printf("keyword index update failed for %s: %v", in.ID, err)
	}
	if s.tel != nil {
		s.tel.RecordMemorySave(true)
	}
	return in, nil
}

// Retrieve returns the memories most relevant to the query vector, best
// first. The vector index syncs with the store before searching, so rows
// saved since the previous call become visible here. queryText feeds the
// contextual scoring factor when re-ranking is enabled.
func (s *Service) Retrieve(ctx context.Context, userID string, queryVec []float32, queryText string, topK int) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "memory.retrieve", trace.WithAttributes(
		attribute.Int("memory.top_k", topK),
		attribute.Bool("memory.rerank", s.cfg.RerankEnabled),
	))
	defer span.End()

	if len(queryVec) != s.dim {
		err := fmt.Errorf("query vector has %d dimensions, index expects %d", len(queryVec), s.dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad query vector")
		return nil, err
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK <= 0 {
		topK = 5
	}

	s.mu.Lock()
	err := s.syncLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		return nil, fmt.Errorf("syncing vector index: %w", err)
	}

	size := s.index.Count()
	if size == 0 {
		return nil, nil
	}
	k := topK
	if s.cfg.RerankEnabled {
		// Over-fetch so re-ranking has candidates to demote.
		k = topK * 3
	}
	if k > size {
		k = size
	}
	seqs, dists, err := s.index.Search(queryVec, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("searching vector index: %w", err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	rows, err := s.store.InteractionsBySeqs(ctx, seqs, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hydration failed")
		return nil, fmt.Errorf("loading interactions: %w", err)
	}
	bySeq := make(map[int64]store.Interaction, len(rows))
	for _, r := range rows {
		bySeq[r.Seq] = r
	}
	candidates := make([]rerank.Candidate, 0, len(seqs))
	for i, seq := range seqs {
		in, ok := bySeq[seq]
		if !ok {
			// Belongs to another user or was deleted after indexing.
			continue
		}
		candidates = append(candidates, rerank.Candidate{
			Interaction: in,
			Rank:        len(candidates),
			Distance:    dists[i],
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var results []Result
	if s.cfg.RerankEnabled {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.Interaction.ID
		}
		now := time.Now().UTC()
		counts, err := s.store.AccessCountsSince(ctx, ids, now.Add(-frequencyWindow))
		if err != nil {
			s.logger.Printf("access counts unavailable, frequency scores stay neutral: %v", err)
			counts = nil
		}
		scored := s.reranker.Rerank(candidates, rerank.Context{Session: []string{queryText}}, counts, now)
		if len(scored) > topK {
			scored = scored[:topK]
		}
		results = make([]Result, len(scored))
		for i, sc := range scored {
			results[i] = Result{Interaction: sc.Interaction, Distance: sc.Distance, Scores: sc.Scores}
		}
	} else {
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		results = make([]Result, len(candidates))
		for i, c := range candidates {
			results[i] = Result{Interaction: c.Interaction, Distance: c.Distance}
		}
	}

	returned := make([]string, len(results))
	for i, r := range results {
		returned[i] = r.Interaction.ID
	}
	if err := s.store.LogAccessBatch(ctx, returned, accessRetrieval, time.Now().UTC()); err != nil {
		s.logger.Printf("access log write failed: %v", err)
	}
	if s.tel != nil {
		s.tel.RecordMemoryRetrieval(len(results))
	}
	span.SetAttributes(attribute.Int("memory.results", len(results)))
	return results, nil
}

// RetrieveByText embeds the query and delegates to Retrieve.
func (s *Service) RetrieveByText(ctx context.Context, userID, query string, topK int) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.Retrieve(ctx, userID, vec, query, topK)
}

// SearchKeyword runs a lexical query against the keyword index and
// hydrates the hits from the store, preserving hit order.
func (s *Service) SearchKeyword(ctx context.Context, userID, query string, k int) ([]store.Interaction, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}
	if k <= 0 {
		k = 5
	}
	hits, err := s.lexical.Search(query, userID, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := s.store.InteractionsByIDs(ctx, ids, userID)
	if err != nil {
		return nil, fmt.Errorf("loading interactions: %w", err)
	}
	byID := make(map[string]store.Interaction, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]store.Interaction, 0, len(hits))
	for _, h := range hits {
		if in, ok := byID[h.ID]; ok {
			out = append(out, in)
		}
	}
	return out, nil
}

// RecentHistory returns the user's newest interactions, newest first.
func (s *Service) RecentHistory(ctx context.Context, userID string, n int) ([]store.Interaction, error) {
	if n <= 0 {
		n = s.cfg.HistoryWindow
	}
	if n <= 0 {
		n = 5
	}
	return s.store.RecentInteractions(ctx, userID, n)
}

// syncLocked pulls rows above the watermark into the vector index. Rows
// whose stored embedding does not match the configured dimension are
// skipped with a warning; the watermark still advances past them.
// Callers hold mu.
func (s *Service) syncLocked(ctx context.Context) error {
	watermark, err := s.store.MetaGetInt64(ctx, watermarkKey, 0)
	if err != nil {
		return err
	}
	rows, err := s.store.InteractionsAfter(ctx, watermark, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(rows))
	vecs := make([][]float32, 0, len(rows))
	last := watermark
	for _, r := range rows {
		if r.Seq > last {
			last = r.Seq
		}
		if len(r.Embedding) != s.dim {
			s.logger.Printf("skipping interaction %s: embedding has %d dimensions, index expects %d", r.ID, len(r.Embedding), s.dim)
			continue
		}
		ids = append(ids, r.Seq)
		vecs = append(vecs, r.Embedding)
	}
	if len(ids) > 0 {
		if err := s.index.Add(ids, vecs); err != nil {
			return err
		}
	}
	if err := s.store.MetaSetInt64(ctx, watermarkKey, last); err != nil {
		return err
	}
	s.saveIndexLocked()
	s.logger.Printf("vector index synced: %d new vectors, watermark %d", len(ids), last)
	return nil
}

// saveIndexLocked persists the index when a path is configured. Failures
// are logged; the index can still rebuild from the store on next start.
func (s *Service) saveIndexLocked() {
	if s.cfg.IndexPath == "" {
		return
	}
	if err := s.index.Save(s.cfg.IndexPath); err != nil {
		s.logger.Printf("vector index save failed: %v", err)
	}
}

// Cleanup deletes interactions older than the retention window whose
// importance is at or below the configured threshold, then rebuilds the
// vector index. Returns the number of rows removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.store.DeleteInteractionsBefore(ctx, cutoff, s.cfg.RetentionMaxScore)
	if err != nil {
		return 0, fmt.Errorf("deleting expired interactions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.lexical.Remove(ids); err != nil {
		s.logger.Printf("keyword index removal failed: %v", err)
	}
	if err := s.rebuildLocked(ctx); err != nil {
		return len(ids), fmt.Errorf("rebuilding index after cleanup: %w", err)
	}
	s.logger.Printf("cleanup removed %d interactions older than %s", len(ids), cutoff.Format(time.DateOnly))
	return len(ids), nil
}

// Rebuild drops the vector index and re-adds every embedded row.
func (s *Service) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(ctx)
}

func (s *Service) rebuildLocked(ctx context.Context) error {
	if err := s.index.Reset(); err != nil {
		return err
	}
	rows, err := s.store.InteractionsAfter(ctx, 0, 0)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(rows))
	vecs := make([][]float32, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding) != s.dim {
			s.logger.Printf("skipping interaction %s: embedding has %d dimensions, index expects %d", r.ID, len(r.Embedding), s.dim)
			continue
		}
		ids = append(ids, r.Seq)
		vecs = append(vecs, r.Embedding)
	}
	if len(ids) > 0 {
		if err := s.index.Add(ids, vecs); err != nil {
			return err
		}
	}
	maxSeq, err := s.store.MaxSeq(ctx)
	if err != nil {
		return err
	}
	if err := s.store.MetaSetInt64(ctx, watermarkKey, maxSeq); err != nil {
		return err
	}
	s.saveIndexLocked()
	s.logger.Printf("vector index rebuilt: %d vectors", len(ids))
	return nil
}

// Stats summarizes the memory store and index.
type Stats struct {
	TotalInteractions int64            `json:"total_interactions"`
	EmbeddedRows      int64            `json:"embedded_rows"`
	IndexSize         int              `json:"index_size"`
	Dimension         int              `json:"dimension"`
	ByCategory        map[string]int64 `json:"by_category"`
	ByType            map[string]int64 `json:"by_type"`
	ByUser            map[string]int64 `json:"by_user"`
	AverageImportance float64          `json:"average_importance"`
	OldestTimestamp   time.Time        `json:"oldest_timestamp"`
	NewestTimestamp   time.Time        `json:"newest_timestamp"`
}

// Stats reports row counts, index size and distribution breakdowns.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{IndexSize: s.index.Count(), Dimension: s.dim}
	var err error
	if st.TotalInteractions, err = s.store.CountInteractions(ctx); err != nil {
		return Stats{}, err
	}
	if st.EmbeddedRows, err = s.store.CountEmbedded(ctx); err != nil {
		return Stats{}, err
	}
	if st.ByCategory, err = s.store.CategoryCounts(ctx); err != nil {
		return Stats{}, err
	}
	if st.ByType, err = s.store.TypeCounts(ctx); err != nil {
		return Stats{}, err
	}
	if st.ByUser, err = s.store.UserCounts(ctx); err != nil {
		return Stats{}, err
	}
	if st.AverageImportance, err = s.store.AverageImportance(ctx); err != nil {
		return Stats{}, err
	}
	if st.OldestTimestamp, st.NewestTimestamp, err = s.store.TimestampRange(ctx); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Insights reports what the memory corpus is mostly about: dominant
// categories and the most frequent substantive prompt terms.
type Insights struct {
	TotalInteractions int64               `json:"total_interactions"`
	AverageImportance float64             `json:"average_importance"`
	Categories        map[string]int64    `json:"categories"`
	TopPromptTerms    []lexical.TermCount `json:"top_prompt_terms"`
}

// Insights aggregates category counts and top prompt terms. A keyword
// index failure degrades to an empty term list.
func (s *Service) Insights(ctx context.Context) (Insights, error) {
	out := Insights{}
	var err error
	if out.TotalInteractions, err = s.store.CountInteractions(ctx); err != nil {
		return Insights{}, err
	}
	if out.AverageImportance, err = s.store.AverageImportance(ctx); err != nil {
		return Insights{}, err
	}
	if out.Categories, err = s.store.CategoryCounts(ctx); err != nil {
		return Insights{}, err
	}
	terms, err := s.lexical.TopTerms("user_prompt", 10)
	if err != nil {
		s.logger.Printf("top terms unavailable: %v", err)
		terms = nil
	}
	out.TopPromptTerms = terms
	return out, nil
}

// IntegrityReport is the outcome of a store/index consistency check.
type IntegrityReport struct {
	TotalInteractions int64    `json:"total_interactions"`
	EmbeddedRows      int64    `json:"embedded_rows"`
	VectorCount       int      `json:"vector_count"`
	Issues            []string `json:"issues"`
	Healthy           bool     `json:"healthy"`
}

// ValidateIntegrity compares store and index counts. A vector count
// above the embedded row count means stale vectors survived a delete; a
// lower count means rows are waiting for the next sync. Rebuild repairs
// both.
func (s *Service) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
	rep := IntegrityReport{VectorCount: s.index.Count()}
	var err error
	if rep.TotalInteractions, err = s.store.CountInteractions(ctx); err != nil {
		return IntegrityReport{}, err
	}
	if rep.EmbeddedRows, err = s.store.CountEmbedded(ctx); err != nil {
		return IntegrityReport{}, err
	}
	if int64(rep.VectorCount) > rep.EmbeddedRows {
		rep.Issues = append(rep.Issues, fmt.Sprintf("index holds %d vectors but only %d rows carry embeddings", rep.VectorCount, rep.EmbeddedRows))
	}
	if int64(rep.VectorCount) < rep.EmbeddedRows {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d embedded rows are not indexed yet", rep.EmbeddedRows-int64(rep.VectorCount)))
	}
	rep.Healthy = len(rep.Issues) == 0
	return rep, nil
}

// Close persists the vector index. The store is owned by the caller and
// stays open.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.IndexPath == "" {
		return nil
	}
	return s.index.Save(s.cfg.IndexPath)
}
