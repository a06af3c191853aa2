package flows

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/convsim/internal/model"
)

func TestHTTPInvokerReturnsText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acc/flows/flow-1/invoke", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello?", req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  hi there  ", "finish_reason": "stop"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPConfig{BaseURL: srv.URL})
	text, err := inv.InvokeFlow(context.Background(), "acc", "tok", "flow-1", Request{Prompt: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestHTTPInvokerContentPolicyIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"content_policy_violation","message":"blocked"}}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPConfig{BaseURL: srv.URL, Attempts: 4})
	_, err := inv.InvokeFlow(context.Background(), "acc", "", "flow-1", Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrContentPolicy))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPInvokerRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPConfig{BaseURL: srv.URL, Attempts: 3})
	text, err := inv.InvokeFlow(context.Background(), "acc", "", "flow-1", Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func chatCompletion(content, finish string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finish,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func TestOpenAIInvoker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		msgs, _ := body["messages"].([]any)
		if len(msgs) == 2 {
			_ = json.NewEncoder(w).Encode(chatCompletion("My order never arrived.", "stop"))
			return
		}
		_ = json.NewEncoder(w).Encode(chatCompletion("", "content_filter"))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/"})
	text, err := inv.InvokeFlow(context.Background(), "acc", "", "consumer", Request{System: "be a customer", Prompt: "start"})
	require.NoError(t, err)
	assert.Equal(t, "My order never arrived.", text)

	_, err = inv.InvokeFlow(context.Background(), "acc", "", "consumer", Request{Prompt: "start"})
	assert.True(t, errors.Is(err, ErrContentPolicy))
}

func TestPromptsCarryConversationContext(t *testing.T) {
	task := &model.Task{
		TaskID:          "t1",
		Scenarios:       []model.Scenario{{ID: "s1", Prompt: "wants a refund"}, {ID: "s2", Prompt: "lost password"}},
		Personas:        []model.Persona{{ID: "p1", Description: "terse"}},
		SuccessCriteria: "refund issued",
	}
	conv := &model.Conversation{ConversationID: "c1", ScenarioID: "s2", PersonaID: "p1", LastTurnText: []string{"How can I help?"}}

	open := OpeningTurn(task, conv)
	assert.Contains(t, open.System, "lost password")
	assert.Contains(t, open.System, "terse")
	assert.Contains(t, open.System, model.EndMarker)

	next := NextTurn(task, conv)
	assert.Contains(t, next.Prompt, "How can I help?")

	fb := FallbackTurn(task, conv)
	assert.NotContains(t, fb.System, "lost password")

	an := Analysis(task, conv)
	assert.Contains(t, an.Prompt, "refund issued")
}
