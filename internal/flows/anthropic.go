package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Router    *ModelRouter
}

// AnthropicInvoker runs every flow as one Messages API call. A refusal stop
// reason is reported as a content policy rejection.
type AnthropicInvoker struct {
	client    anthropic.Client
	router    *ModelRouter
	maxTokens int64
}

func NewAnthropicInvoker(cfg AnthropicConfig) *AnthropicInvoker {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	router := cfg.Router
	if router == nil {
		router = NewModelRouter(cfg.Model)
	}
	return &AnthropicInvoker{client: anthropic.NewClient(opts...), router: router, maxTokens: cfg.MaxTokens}
}

func (a *AnthropicInvoker) InvokeFlow(ctx context.Context, _, _ string, flowID string, req Request) (string, error) {
	route := a.router.Route(RouteInput{FlowID: flowID, Stage: req.Variables["stage"]})
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(route.Model),
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("flows: anthropic %s: %w", flowID, err)
	}
	if resp.StopReason == "refusal" {
		return "", ErrContentPolicy
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("flows: anthropic %s: no text returned", flowID)
	}
	return strings.TrimSpace(b.String()), nil
}
