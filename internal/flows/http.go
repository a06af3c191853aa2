package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type HTTPConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts int
}

// HTTPInvoker calls a hosted flow runtime over JSON.
type HTTPInvoker struct {
	base     string
	http     *http.Client
	attempts int
}

func NewHTTPInvoker(cfg HTTPConfig) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &HTTPInvoker{base: strings.TrimRight(cfg.BaseURL, "/"), http: &http.Client{Timeout: cfg.Timeout}, attempts: cfg.Attempts}
}

type invokeResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Error        *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (h *HTTPInvoker) InvokeFlow(ctx context.Context, accountID, token, flowID string, req Request) (string, error) {
	u := h.base + "/v1/accounts/" + url.PathEscape(accountID) + "/flows/" + url.PathEscape(flowID) + "/invoke"
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var text string
	op := func() error {
		out, err := h.once(ctx, u, token, payload)
		if err != nil {
			return err
		}
		text = out
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.attempts-1)), ctx)); err != nil {
		return "", fmt.Errorf("flows: invoke %s: %w", flowID, err)
	}
	return text, nil
}

func (h *HTTPInvoker) once(ctx context.Context, u, token string, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var out invokeResponse
	_ = json.Unmarshal(body, &out)
	if out.FinishReason == "content_filter" || (out.Error != nil && isContentPolicyCode(out.Error.Code)) {
		return "", backoff.Permanent(ErrContentPolicy)
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("flow request failed: %s %s", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func isContentPolicyCode(code string) bool {
	return code == "content_policy_violation" || code == "content_filter"
}
