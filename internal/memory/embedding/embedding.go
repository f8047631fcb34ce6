// Package embedding turns text into fixed-length vectors for semantic
// memory. The OpenAI provider is the only remote implementation; callers
// depend on the Provider interface so tests can substitute their own.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"anima/config"
)

// Provider produces embedding vectors of a fixed dimension.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 30 * time.Second

	// defaultBatchSize caps how many inputs go into one API request;
	// larger batches are split and embedded concurrently.
	defaultBatchSize = 128
	maxConcurrent    = 4
)

// OpenAI embeds text through the OpenAI embeddings endpoint.
type OpenAI struct {
	apiKey     string
	model      string
	dim        int
	baseURL    string
	batchSize  int
	httpClient *http.Client
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI builds a provider for the configured model. The API key falls
// back to OPENAI_API_KEY when the argument is empty.
func NewOpenAI(cfg config.EmbeddingConfig, apiKey string) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("embedding provider requires an API key (set llm.api_key or OPENAI_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model must be configured")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAI{
		apiKey:     apiKey,
		model:      cfg.Model,
		dim:        cfg.Dimension,
		baseURL:    defaultBaseURL,
		batchSize:  defaultBatchSize,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (p *OpenAI) Dimension() int { return p.dim }

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in chunks, fanning the chunks out over a bounded
// worker group. Result order matches input order.
func (p *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for start := 0; start < len(texts); start += p.batchSize {
		start := start
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := p.request(gCtx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("expected %d embeddings, got %d", end-start, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *OpenAI) request(ctx context.Context, texts []string) ([][]float32, error) {
	requestBody := map[string]interface{}{
		"model": p.model,
		"input": texts,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	vecs := make([][]float32, len(apiResp.Data))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != p.dim {
			return nil, fmt.Errorf("model %s returned %d-dimensional embedding, configured dimension is %d",
				p.model, len(d.Embedding), p.dim)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
