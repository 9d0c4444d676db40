// Package research runs the report generation phase of a project cycle.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
)

// Report is the rendered result of one research run, ready to be persisted
// as a pending delivery log.
type Report struct {
	Subject string
	Body    string
}

// Researcher produces a report for a project. Implementations must be safe
// for concurrent use; the research worker pool calls from multiple goroutines.
type Researcher interface {
	Research(ctx context.Context, projectTitle string) (*Report, error)
}

const defaultTimeout = 120 * time.Second

// OpenAIResearcher generates reports via the OpenAI chat completions API
type OpenAIResearcher struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIResearcher creates a researcher from config
func NewOpenAIResearcher(cfg config.ResearchConfig) (*OpenAIResearcher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("research API key not set")
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &OpenAIResearcher{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

// Research generates a report for the project. Errors propagate to the
// worker pool, which retries with backoff; there is no inner retry loop here.
func (r *OpenAIResearcher) Research(ctx context.Context, projectTitle string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a research assistant. Write a concise, well-structured report on the given topic, covering recent developments. Plain text, no markdown."),
			openai.UserMessage(projectTitle),
		},
	}

	completion, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "research completion failed")
	}

	if len(completion.Choices) == 0 {
		return nil, errors.New("no completion choices returned")
	}

	return &Report{
		Subject: fmt.Sprintf("Research digest: %s", projectTitle),
		Body:    completion.Choices[0].Message.Content,
	}, nil
}

var _ Researcher = (*OpenAIResearcher)(nil)
