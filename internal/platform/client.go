// Package platform talks to the external conversational platform that hosts
// the simulated conversations.
package platform

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

	"github.com/example/convsim/internal/model"
)

type CreateResult struct {
	ConversationID string `json:"conversation_id"`
	ConsumerToken  string `json:"consumer_token"`
	DialogID       string `json:"dialog_id"`
}

type ConversationInfo struct {
	Metadata   map[string]string `json:"metadata"`
	Transcript []model.Turn      `json:"transcript"`
}

type Client interface {
	CreateConversation(ctx context.Context, task *model.Task, customer model.Identity, skillID string) (CreateResult, error)
	PublishMessage(ctx context.Context, accountID, token, text, conversationID, dialogID string) error
	CloseConversation(ctx context.Context, accountID, token, conversationID, dialogID string) error
	GetConversationInfo(ctx context.Context, accountID, token, conversationID string) (ConversationInfo, error)
}

// StatusError is a non-2xx platform response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform request failed: %d %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts int
}

type HTTPClient struct {
	base     string
	http     *http.Client
	attempts int
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &HTTPClient{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
	}
}

type createRequest struct {
	SkillID      string         `json:"skill_id,omitempty"`
	Customer     model.Identity `json:"customer"`
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
}

func (c *HTTPClient) CreateConversation(ctx context.Context, task *model.Task, customer model.Identity, skillID string) (CreateResult, error) {
	body := createRequest{
		SkillID:      skillID,
		Customer:     customer,
		ClientID:     task.Credentials.ClientID,
		ClientSecret: task.Credentials.ClientSecret,
	}
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, c.conversationsURL(task.AccountID), "", body, &out); err != nil {
		return CreateResult{}, fmt.Errorf("platform: create conversation for task %s: %w", task.TaskID, err)
	}
	if out.ConversationID == "" {
		return CreateResult{}, fmt.Errorf("platform: create conversation for task %s: empty conversation id", task.TaskID)
	}
	return out, nil
}

func (c *HTTPClient) PublishMessage(ctx context.Context, accountID, token, text, conversationID, dialogID string) error {
	body := map[string]string{"dialog_id": dialogID, "text": text}
	if err := c.do(ctx, http.MethodPost, c.conversationURL(accountID, conversationID)+"/messages", token, body, nil); err != nil {
		return fmt.Errorf("platform: publish to %s: %w", conversationID, err)
	}
	return nil
}

func (c *HTTPClient) CloseConversation(ctx context.Context, accountID, token, conversationID, dialogID string) error {
	body := map[string]string{"dialog_id": dialogID}
	if err := c.do(ctx, http.MethodPost, c.conversationURL(accountID, conversationID)+"/close", token, body, nil); err != nil {
		return fmt.Errorf("platform: close %s: %w", conversationID, err)
	}
	return nil
}

func (c *HTTPClient) GetConversationInfo(ctx context.Context, accountID, token, conversationID string) (ConversationInfo, error) {
	var out ConversationInfo
	if err := c.do(ctx, http.MethodGet, c.conversationURL(accountID, conversationID), token, nil, &out); err != nil {
		return ConversationInfo{}, fmt.Errorf("platform: get %s: %w", conversationID, err)
	}
	return out, nil
}

func (c *HTTPClient) conversationsURL(accountID string) string {
	return c.base + "/v1/accounts/" + url.PathEscape(accountID) + "/conversations"
}

func (c *HTTPClient) conversationURL(accountID, conversationID string) string {
	return c.conversationsURL(accountID) + "/" + url.PathEscape(conversationID)
}

func (c *HTTPClient) do(ctx context.Context, method, u, token string, reqBody, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	op := func() error {
		err := c.once(ctx, method, u, token, reqBody, out)
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx))
}

func (c *HTTPClient) once(ctx context.Context, method, u, token string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
