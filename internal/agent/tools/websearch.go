package tools

import (
	"context"
	"fmt"
	"log"
	"strings"

	"anima/config"
	"anima/internal/agent/core"
	"anima/tools/web_fetch"
	fetchmodels "anima/tools/web_fetch/models"
	"anima/tools/web_search"
	searchmodels "anima/tools/web_search/models"
)

// searcher and fetcher mirror the tool package interfaces so tests can
// substitute scripted implementations.
type searcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]searchmodels.Result, error)
}

type fetcher interface {
	Exec(ctx context.Context, url string) (fetchmodels.Result, error)
}

// WebSearch answers search steps. Results come back as a numbered list of
// title, URL and snippet; when page fetching is enabled the top hits are
// rendered headless and their readable text appended.
type WebSearch struct {
	searcher searcher
	fetcher  fetcher
	cfg      config.WebSearchConfig
	logger   *log.Logger
}

var _ Adapter = (*WebSearch)(nil)

func NewWebSearch(cfg config.WebSearchConfig) (*WebSearch, error) {
	s, err := web_search.NewWebSearcher(web_search.Provider(cfg.Provider), cfg.APIKey)
	if err != nil {
		return nil, err
	}
	w := &WebSearch{
		searcher: s,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[WEB_SEARCH] ", log.LstdFlags),
	}
	if cfg.FetchTop > 0 {
		f, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.FetchTimeout, cfg.FetchMaxChars)
		if err != nil {
			return nil, err
		}
		w.fetcher = f
	}
	return w, nil
}

func (w *WebSearch) Tag() core.ToolTag { return core.ToolWebSearch }

func (w *WebSearch) Execute(ctx context.Context, query string) (string, error) {
	k := w.cfg.MaxResults
	if k <= 0 {
		k = 5
	}
	results, err := w.searcher.Discover(ctx, query, k, nil, 0)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		// technically a success; the verification stage decides whether an
		// empty result set serves the objective
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}

	if w.fetcher != nil {
		for i := 0; i < len(results) && i < w.cfg.FetchTop; i++ {
			page, err := w.fetcher.Exec(ctx, results[i].URL)
			if err != nil {
				w.logger.Printf("fetch %s failed: %v", results[i].URL, err)
				continue
			}
			if page.Status != 200 || strings.TrimSpace(page.Text) == "" {
				continue
			}
			fmt.Fprintf(&b, "\n--- Page content: %s ---\n%s\n", page.URL, page.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
