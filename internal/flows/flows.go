// Package flows invokes the AI flows that write consumer turns and score
// finished conversations.
package flows

import (
	"context"
	"errors"
)

// ErrContentPolicy marks a generation rejected by the provider's content
// policy. Callers retry with a neutral prompt instead of failing.
var ErrContentPolicy = errors.New("flows: content policy violation")

type Request struct {
	System    string            `json:"system,omitempty"`
	Prompt    string            `json:"prompt"`
	Variables map[string]string `json:"variables,omitempty"`
}

type Invoker interface {
	InvokeFlow(ctx context.Context, accountID, token, flowID string, req Request) (string, error)
}
