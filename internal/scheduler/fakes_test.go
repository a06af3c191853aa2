package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/platform"
	"github.com/example/convsim/internal/queue"
	"github.com/example/convsim/internal/state"
)

var errPlatformDown = errors.New("platform unavailable")

type fakePlatform struct {
	mu        sync.Mutex
	creates   int
	failOn    map[int]bool // 1-based create call numbers that fail
	failAll   bool
	failClose map[string]bool
	closed    []string
	published map[string][]string
	gate      chan struct{}
	entered   chan struct{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{failOn: map[int]bool{}, failClose: map[string]bool{}, published: map[string][]string{}}
}

func (f *fakePlatform) CreateConversation(ctx context.Context, task *model.Task, customer model.Identity, skillID string) (platform.CreateResult, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return platform.CreateResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failAll || f.failOn[f.creates] {
		return platform.CreateResult{}, errPlatformDown
	}
	return platform.CreateResult{
		ConversationID: fmt.Sprintf("conv-%d", f.creates),
		ConsumerToken:  "tok-" + customer.CustomerID,
		DialogID:       "dlg",
	}, nil
}

func (f *fakePlatform) PublishMessage(_ context.Context, _, _, text, conversationID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[conversationID] = append(f.published[conversationID], text)
	return nil
}

func (f *fakePlatform) CloseConversation(_ context.Context, _, _, conversationID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conversationID)
	if f.failClose[conversationID] {
		return errPlatformDown
	}
	return nil
}

func (f *fakePlatform) GetConversationInfo(context.Context, string, string, string) (platform.ConversationInfo, error) {
	return platform.ConversationInfo{}, nil
}

func (f *fakePlatform) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakePlatform) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeFlows struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string]error
	replay map[string]string
}

func newFakeFlows() *fakeFlows {
	return &fakeFlows{calls: map[string]int{}, errs: map[string]error{}, replay: map[string]string{}}
}

func (f *fakeFlows) InvokeFlow(_ context.Context, _, _, flowID string, req flows.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[flowID]++
	if err := f.errs[flowID]; err != nil {
		return "", err
	}
	if out, ok := f.replay[flowID]; ok {
		return out, nil
	}
	return "Hi, my order never arrived.", nil
}

func (f *fakeFlows) callCount(flowID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[flowID]
}

type harness struct {
	engine   *Engine
	cache    *cache.MemoryCache
	store    *state.MemoryStore
	queue    *queue.Manager
	counter  *lock.Counter
	platform *fakePlatform
	flows    *fakeFlows
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWithStore(t, state.NewMemoryStore(), opts)
}

func newHarnessWithStore(t *testing.T, store *state.MemoryStore, opts Options) *harness {
	t.Helper()
	c := cache.NewMemory()
	locker := lock.NewLocker(c, lock.Config{Attempts: 200, RetryDelay: time.Millisecond, TTL: time.Second})
	counter := lock.NewCounter(c, locker, 0)
	q := queue.NewManager(c, locker, queue.DefaultKey)
	plat := newFakePlatform()
	fl := newFakeFlows()
	e := NewEngine(Deps{
		Store:    store,
		Cache:    c,
		Locker:   locker,
		Counter:  counter,
		Queue:    q,
		Platform: plat,
		Flows:    fl,
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, cache: c, store: store, queue: q, counter: counter, platform: plat, flows: fl}
}

func validRequest(maxConversations, concurrent int) AdmitRequest {
	return AdmitRequest{
		MaxConversations:        maxConversations,
		ConcurrentConversations: concurrent,
		Scenarios:               []model.Scenario{{ID: "late-order", Prompt: "Your order is two weeks late."}},
		Personas:                []model.Persona{{ID: "calm", Description: "Patient and polite."}},
		Identities:              []model.Identity{{CustomerID: "cust-1", FirstName: "Sam"}},
		FlowID:                  "consumer",
		AnalysisFlowID:          "analysis",
		Credentials:             model.Credentials{ClientID: "id", ClientSecret: "secret", FlowToken: "flow-token"},
	}
}

// seedTask stores a running task the way Admit does, without starting a batch.
func (h *harness) seedTask(t *testing.T, id, account, user string, maxConversations, concurrent, slots int) model.Task {
	t.Helper()
	ctx := context.Background()
	req := validRequest(maxConversations, concurrent)
	task, err := h.engine.buildTask(req, account, user)
	require.NoError(t, err)
	task.TaskID = id
	require.NoError(t, h.engine.saveTask(ctx, &task))
	require.NoError(t, h.cache.Set(ctx, runningTaskKey(account, user), []byte(id), time.Hour))
	if slots > 0 {
		_, err = h.queue.Enqueue(ctx, id, account, slots)
		require.NoError(t, err)
	}
	return task
}

func (h *harness) task(t *testing.T, id string) model.Task {
	t.Helper()
	task, err := h.engine.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) openConversation(t *testing.T, task model.Task, id string, cached bool) model.Conversation {
	t.Helper()
	ctx := context.Background()
	conv := model.NewConversation(id, &task, time.Now().UTC())
	conv.ConsumerToken = "tok"
	require.NoError(t, h.store.PutConversation(ctx, *conv))
	if cached {
		require.NoError(t, cache.SetJSON(ctx, h.cache, conversationKey(id), conv, time.Hour))
	}
	return *conv
}
