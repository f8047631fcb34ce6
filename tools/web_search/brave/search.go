package brave

import (
	"context"
	"fmt"
	"time"

	"anima/internal/agent/core"
	"anima/tools/web_search/models"
	"anima/utils"
)

type Search struct {
	ApiKey string
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	url := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", utils.UrlQuery(q), k)

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	client := core.NewHTTPClient(15*time.Second, 2, 300*time.Millisecond)
	headers := map[string]string{"Accept": "application/json", "X-Subscription-Token": s.ApiKey}
	if err := client.DoJSON(ctx, "GET", url, headers, nil, &raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}
