package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"anima/config"
	"anima/internal/agent/core"
)

// DataProcessing answers inline data transformation steps: filtering,
// aggregation and reformatting of data carried in the query itself. The
// transform runs through the lightweight model.
type DataProcessing struct {
	config *config.Config
	llm    core.LLMProvider
	logger *log.Logger
}

var _ Adapter = (*DataProcessing)(nil)

func NewDataProcessing(cfg *config.Config, llm core.LLMProvider) *DataProcessing {
	return &DataProcessing{
		config: cfg,
		llm:    llm,
		logger: log.New(log.Writer(), "[DATA_PROCESSING] ", log.LstdFlags),
	}
}

func (d *DataProcessing) Tag() core.ToolTag { return core.ToolDataProcessing }

func (d *DataProcessing) Execute(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("empty data processing request")
	}
	model := d.config.LLM.Routing.Simple

	prompt := fmt.Sprintf(`You are a data processing engine. The request below contains processing instructions together with the data to process. Apply the instructions exactly and output ONLY the processed result, with no commentary, no code fences and no explanation.

Request:
%s`, query)

	start := time.Now()
	response, err := d.llm.Generate(ctx, prompt, model, nil)
	if err != nil {
		return "", fmt.Errorf("data processing: %w", err)
	}
	d.logger.Printf("processed %d chars in %s", len(query), time.Since(start).Round(time.Millisecond))
	return strings.TrimSpace(response), nil
}
