package embedding

import (
	"context"
	"fmt"
	"log"

	"anima/internal/agent/telemetry"
	"anima/internal/memory/cache"
)

// Cached wraps a Provider with the two-tier embedding cache. Hits skip
// the remote call entirely.
type Cached struct {
	inner  Provider
	cache  *cache.Cache
	tel    *telemetry.Telemetry
	logger *log.Logger
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner with c. tel may be nil.
func NewCached(inner Provider, c *cache.Cache, tel *telemetry.Telemetry) *Cached {
	return &Cached{
		inner:  inner,
		cache:  c,
		tel:    tel,
		logger: log.New(log.Writer(), "[EMBEDDING] ", log.LstdFlags),
	}
}

func (p *Cached) Dimension() int { return p.inner.Dimension() }

func (p *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := p.cache.Get(text); ok {
		if p.tel != nil {
			p.tel.RecordCacheHit()
		}
		return vec, nil
	}
	if p.tel != nil {
		p.tel.RecordCacheMiss()
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(text, vec); err != nil {
		p.logger.Printf("cache write failed: %v", err)
	}
	return vec, nil
}

// EmbedBatch serves what it can from the cache and embeds only the
// misses.
func (p *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missTexts []string
	var missAt []int
	for i, text := range texts {
		if vec, ok := p.cache.Get(text); ok {
			if p.tel != nil {
				p.tel.RecordCacheHit()
			}
			out[i] = vec
			continue
		}
		if p.tel != nil {
			p.tel.RecordCacheMiss()
		}
		missTexts = append(missTexts, text)
		missAt = append(missAt, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(vecs))
	}
	for i, vec := range vecs {
		out[missAt[i]] = vec
		if err := p.cache.Put(missTexts[i], vec); err != nil {
			p.logger.Printf("cache write failed: %v", err)
		}
	}
	return out, nil
}
