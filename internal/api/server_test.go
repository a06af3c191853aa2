package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/platform"
	"github.com/example/convsim/internal/policy"
	"github.com/example/convsim/internal/queue"
	"github.com/example/convsim/internal/scheduler"
	"github.com/example/convsim/internal/state"
)

type stubPlatform struct {
	mu      sync.Mutex
	creates int
}

func (p *stubPlatform) CreateConversation(_ context.Context, _ *model.Task, customer model.Identity, _ string) (platform.CreateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	return platform.CreateResult{
		ConversationID: fmt.Sprintf("conv-%d", p.creates),
		ConsumerToken:  "tok-" + customer.CustomerID,
		DialogID:       "dlg",
	}, nil
}

func (p *stubPlatform) PublishMessage(context.Context, string, string, string, string, string) error {
	return nil
}

func (p *stubPlatform) CloseConversation(context.Context, string, string, string, string) error {
	return nil
}

func (p *stubPlatform) GetConversationInfo(context.Context, string, string, string) (platform.ConversationInfo, error) {
	return platform.ConversationInfo{}, nil
}

type stubFlows struct{}

func (stubFlows) InvokeFlow(context.Context, string, string, string, flows.Request) (string, error) {
	return "Hello, I need help with my order.", nil
}

type testEnv struct {
	engine  *scheduler.Engine
	queue   *queue.Manager
	handler http.Handler
}

func newTestEnv(t *testing.T, pol *policy.Engine, opts Options) *testEnv {
	t.Helper()
	c := cache.NewMemory()
	locker := lock.NewLocker(c, lock.Config{Attempts: 200, RetryDelay: time.Millisecond, TTL: time.Second})
	q := queue.NewManager(c, locker, queue.DefaultKey)
	metrics := observability.NewMetrics()
	e := scheduler.NewEngine(scheduler.Deps{
		Store:    state.NewMemoryStore(),
		Cache:    c,
		Locker:   locker,
		Counter:  lock.NewCounter(c, locker, 0),
		Queue:    q,
		Platform: &stubPlatform{},
		Flows:    stubFlows{},
	}, scheduler.Options{Policy: pol, Metrics: metrics})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	opts.Queue = q
	opts.Metrics = metrics
	return &testEnv{engine: e, queue: q, handler: NewServer(e, opts).Handler()}
}

func (env *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func admitPayload(account string) map[string]any {
	return map[string]any{
		"account_id":               account,
		"max_conversations":        2,
		"concurrent_conversations": 1,
		"scenarios":                []map[string]string{{"id": "late", "prompt": "Your parcel is late."}},
		"personas":                 []map[string]string{{"id": "calm", "description": "Patient."}},
		"identities":               []map[string]string{{"customer_id": "cust-1"}},
		"flow_id":                  "consumer",
		"credentials":              map[string]string{"client_id": "id", "client_secret": "secret"},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/nowhere", "", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `convsim_http_requests_total{code="200",route="GET /healthz"} 1`)
	assert.Contains(t, rec.Body.String(), `route="unmatched"`)
}

func TestAdmitCreatesTaskAndHidesCredentials(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	rec := env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[admitResponse](t, rec)
	assert.False(t, out.Existing)
	assert.Equal(t, model.TaskInProgress, out.Task.Status)
	assert.True(t, out.Task.Credentials.Empty())
	assert.NotContains(t, rec.Body.String(), "secret")

	again := env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1"))
	require.Equal(t, http.StatusOK, again.Code)
	second := decode[admitResponse](t, again)
	assert.True(t, second.Existing)
	assert.Equal(t, out.Task.TaskID, second.Task.TaskID)

	got := env.do(t, http.MethodGet, "/v1/tasks/"+out.Task.TaskID, "", nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, out.Task.TaskID, decode[model.Task](t, got).TaskID)
}

func TestAdmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	rec := env.do(t, http.MethodPost, "/v1/tasks", "", admitPayload("acct-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := admitPayload("acct-1")
	bad["max_conversations"] = 0
	rec = env.do(t, http.MethodPost, "/v1/tasks", "user-1", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "max_conversations")

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString("{"))
	req.Header.Set(userHeader, "user-1")
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestAdmitQuotaMapsToTooManyRequests(t *testing.T) {
	env := newTestEnv(t, policy.NewAllowAll(policy.Limits{MaxAccountTasks: 1}), Options{})

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")).Code)
	rec := env.do(t, http.MethodPost, "/v1/tasks", "user-2", admitPayload("acct-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "quota_account_tasks_exceeded")
}

func TestAdmitRateLimitPerAccount(t *testing.T) {
	env := newTestEnv(t, nil, Options{AdmitPerAccountPerMin: 1})

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/v1/tasks", "user-2", admitPayload("acct-1")).Code)
	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-2")).Code)
}

func TestGetUnknownTask(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	rec := env.do(t, http.MethodGet, "/v1/tasks/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentMessageFlow(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/v1/conversations/nope/messages", "", agentMessageBody{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/conversations/nope/messages", "", agentMessageBody{Text: "hi", DialogStage: "SIDEWAYS"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")).Code)
	require.Eventually(t, func() bool {
		_, err := env.engine.GetConversation(ctx, "conv-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/v1/conversations/conv-1/messages", "", agentMessageBody{Text: "How can I help?"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode[agentMessageResponse](t, rec)
	assert.True(t, out.PendingResponder)
	assert.NotNil(t, out.Deadline)
	assert.Equal(t, model.ConversationOpen, out.Status)
}

func TestPauseAndResumeConversation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/conversations/nope/pause", "", nil).Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")).Code)
	require.Eventually(t, func() bool {
		_, err := env.engine.GetConversation(ctx, "conv-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/v1/conversations/conv-1/pause", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatePaused, decode[conversationStateResponse](t, rec).State)

	rec = env.do(t, http.MethodPost, "/v1/conversations/conv-1/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StateActive, decode[conversationStateResponse](t, rec).State)

	require.NoError(t, env.engine.CloseConversation(ctx, "conv-1", "end_marker"))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/conversations/conv-1/pause", "", nil).Code)
}

func TestStopAllForUser(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	admitted := decode[admitResponse](t, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")))

	rec := env.do(t, http.MethodPost, "/v1/accounts/acct-1/stop", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/accounts/acct-1/stop", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[scheduler.StopResult](t, rec)
	assert.Equal(t, []string{admitted.Task.TaskID}, res.Tasks)

	got := decode[model.Task](t, env.do(t, http.MethodGet, "/v1/tasks/"+admitted.Task.TaskID, "", nil))
	assert.Equal(t, model.TaskCancelled, got.Status)
}

func TestStopAllWithErrorFlag(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	admitted := decode[admitResponse](t, env.do(t, http.MethodPost, "/v1/tasks", "user-1", admitPayload("acct-1")))

	rec := env.do(t, http.MethodPost, "/v1/accounts/acct-1/stop?error=true", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.Task](t, env.do(t, http.MethodGet, "/v1/tasks/"+admitted.Task.TaskID, "", nil))
	assert.Equal(t, model.TaskError, got.Status)
}

func TestQueueView(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	_, err := env.queue.Enqueue(context.Background(), "task-x", "acct-1", 3)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/admin/queue?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[queueResponse](t, rec)
	assert.Equal(t, 3, out.Depth)
	assert.Len(t, out.Slots, 2)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/admin/queue?limit=-1", "", nil).Code)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&scheduler.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &scheduler.QuotaError{ReasonCode: "q"}), http.StatusTooManyRequests},
		{scheduler.ErrTaskNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", scheduler.ErrConversationNotFound), http.StatusNotFound},
		{lock.ErrLockAcquisitionFailed, http.StatusServiceUnavailable},
		{fmt.Errorf("set: %w", model.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}

func TestAdmitLimiterWindow(t *testing.T) {
	l := newAdmitLimiter(2, 3)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, l.allow("a", now))
	assert.True(t, l.allow("a", now))
	assert.False(t, l.allow("a", now), "per-account limit")
	assert.True(t, l.allow("b", now))
	assert.False(t, l.allow("c", now), "global limit")

	later := now.Add(61 * time.Second)
	assert.True(t, l.allow("a", later))

	var disabled *admitLimiter
	assert.True(t, disabled.allow("a", now))
}
