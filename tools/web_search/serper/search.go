package serper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anima/internal/agent/core"
	"anima/tools/web_search/models"
	"anima/utils"
)

type Search struct {
	ApiKey string
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": q, "num": k}
	if len(sites) > 0 {
		payload["site"] = strings.Join(sites, " OR ")
	}
	if recency > 0 {
		payload["tbs"] = fmt.Sprintf("qdr:%d", recency)
	}

	var raw map[string]any
	client := core.NewHTTPClient(15*time.Second, 2, 300*time.Millisecond)
	headers := map[string]string{"X-API-KEY": s.ApiKey, "Content-Type": "application/json"}
	if err := client.DoJSON(ctx, "POST", "https://google.serper.dev/search", headers, payload, &raw); err != nil {
		return nil, err
	}

	var out []models.Result
	if items, ok := raw["organic"].([]any); ok {
		for i, it := range items {
			if i >= k {
				break
			}
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, models.Result{
				Title: utils.Str(m["title"]), URL: utils.Str(m["link"]), Snippet: utils.Str(m["snippet"]),
			})
		}
	}
	return out, nil
}
