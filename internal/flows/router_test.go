package flows

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelRouterFirstMatchWins(t *testing.T) {
	r := &ModelRouter{cfg: RoutingConfig{
		DefaultModel: "gpt-4o-mini",
		Rules: []RouteRule{
			{Name: "grading", WhenStage: "analysis", UseModel: "gpt-4o"},
			{WhenFlow: "consumer-premium", UseModel: "gpt-4.1"},
		},
	}}

	assert.Equal(t, RouteDecision{Model: "gpt-4o", Rule: "grading"}, r.Route(RouteInput{FlowID: "consumer-premium", Stage: "analysis"}))
	assert.Equal(t, RouteDecision{Model: "gpt-4.1", Rule: "rule"}, r.Route(RouteInput{FlowID: "consumer-premium", Stage: "reply"}))
	assert.Equal(t, RouteDecision{Model: "gpt-4o-mini", Rule: "default"}, r.Route(RouteInput{FlowID: "consumer", Stage: "reply"}))
}

func TestLoadModelRouter(t *testing.T) {
	r, err := LoadModelRouter("", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", r.Route(RouteInput{}).Model)

	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: scoring\n    stage: analysis\n    use_model: gpt-4o\n"), 0o600))
	r, err = LoadModelRouter(path, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", r.Route(RouteInput{Stage: "analysis"}).Model)
	assert.Equal(t, "gpt-4o-mini", r.Route(RouteInput{Stage: "reply"}).Model)

	_, err = LoadModelRouter(filepath.Join(t.TempDir(), "missing.yaml"), "gpt-4o-mini")
	assert.Error(t, err)
}

func TestOpenAIInvokerUsesRoutedModel(t *testing.T) {
	t.Parallel()
	models := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		m, _ := body["model"].(string)
		models <- m
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletion("8/10", "stop"))
	}))
	defer srv.Close()

	router := &ModelRouter{cfg: RoutingConfig{
		DefaultModel: "gpt-4o-mini",
		Rules:        []RouteRule{{WhenStage: "analysis", UseModel: "gpt-4o"}},
	}}
	inv := NewOpenAIInvoker(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/", Router: router})

	_, err := inv.InvokeFlow(context.Background(), "acc", "", "grader", Request{Prompt: "grade", Variables: map[string]string{"stage": "analysis"}})
	require.NoError(t, err)
	_, err = inv.InvokeFlow(context.Background(), "acc", "", "consumer", Request{Prompt: "reply", Variables: map[string]string{"stage": "reply"}})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", <-models)
	assert.Equal(t, "gpt-4o-mini", <-models)
}
