package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Router overrides Model per flow and stage when set.
	Router *ModelRouter
}

// OpenAIInvoker runs every flow as a single chat completion. The flow id is
// forwarded as the end-user tag so provider logs can be correlated.
type OpenAIInvoker struct {
	client openai.Client
	router *ModelRouter
}

func NewOpenAIInvoker(cfg OpenAIConfig) *OpenAIInvoker {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	router := cfg.Router
	if router == nil {
		router = NewModelRouter(cfg.Model)
	}
	return &OpenAIInvoker{client: openai.NewClient(opts...), router: router}
}

func (o *OpenAIInvoker) InvokeFlow(ctx context.Context, accountID, _ string, flowID string, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	route := o.router.Route(RouteInput{FlowID: flowID, Stage: req.Variables["stage"]})
	params := openai.ChatCompletionNewParams{
		Model:    route.Model,
		Messages: messages,
		User:     openai.String(accountID + "/" + flowID),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && isContentPolicyCode(apiErr.Code) {
			return "", ErrContentPolicy
		}
		return "", fmt.Errorf("flows: openai %s: %w", flowID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("flows: openai %s: no choices returned", flowID)
	}
	ch := resp.Choices[0]
	if ch.FinishReason == "content_filter" {
		return "", ErrContentPolicy
	}
	return strings.TrimSpace(ch.Message.Content), nil
}
