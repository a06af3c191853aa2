// Package scheduler admits simulation tasks and drives their conversations:
// quota checks, slot batches, conclusion, abandonment and cache hydration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/convsim/internal/archive"
	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/logging"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/platform"
	"github.com/example/convsim/internal/policy"
	"github.com/example/convsim/internal/queue"
	"github.com/example/convsim/internal/state"
)

type Options struct {
	// MaxQueuing caps the slots queued for a task at admission.
	MaxQueuing     int
	MaxTurns       int
	MinWarmUpDelay time.Duration
	MaxWarmUpDelay time.Duration
	// CreationDelay separates conversation creations inside one batch.
	CreationDelay time.Duration
	EntityTTL     time.Duration
	PumpInterval  time.Duration
	PumpWindow    int
	BatchTimeout  time.Duration
	Policy        *policy.Engine
	Archiver      archive.Archiver
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Deps are the collaborators the engine cannot run without.
type Deps struct {
	Store    state.Store
	Cache    cache.KeyValueCache
	Locker   *lock.Locker
	Counter  *lock.Counter
	Queue    *queue.Manager
	Platform platform.Client
	Flows    flows.Invoker
}

type Engine struct {
	store    state.Store
	cache    cache.KeyValueCache
	locker   *lock.Locker
	counter  *lock.Counter
	queue    *queue.Manager
	platform platform.Client
	flows    flows.Invoker
	policy   *policy.Engine
	archiver archive.Archiver
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	opts     Options

	batches singleflight.Group
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	// afterCompletedHook runs between the two counter moves of a close.
	// Tests use it to observe the intermediate state.
	afterCompletedHook func()
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.MaxQueuing <= 0 {
		opts.MaxQueuing = 10
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 20
	}
	if opts.MinWarmUpDelay < 0 {
		opts.MinWarmUpDelay = 0
	}
	if opts.MaxWarmUpDelay < opts.MinWarmUpDelay {
		opts.MaxWarmUpDelay = opts.MinWarmUpDelay
	}
	if opts.CreationDelay < 0 {
		opts.CreationDelay = 0
	}
	if opts.EntityTTL <= 0 {
		opts.EntityTTL = 24 * time.Hour
	}
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = 5 * time.Second
	}
	if opts.PumpWindow <= 0 {
		opts.PumpWindow = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Minute
	}
	p := opts.Policy
	if p == nil {
		p = policy.NewAllowAll(policy.Limits{})
	}
	arch := opts.Archiver
	if arch == nil {
		arch = archive.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    deps.Store,
		cache:    deps.Cache,
		locker:   deps.Locker,
		counter:  deps.Counter,
		queue:    deps.Queue,
		platform: deps.Platform,
		flows:    deps.Flows,
		policy:   p,
		archiver: arch,
		metrics:  opts.Metrics,
		logger:   logging.Component(logger, "scheduler"),
		now:      now,
		opts:     opts,
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Shutdown cancels background batches and conclusions and waits for them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background goroutine started so far has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Run pumps the slot queue every PumpInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.PumpQueue(ctx); err != nil {
				e.logger.Warn("queue pump failed", "error", err)
			}
		}
	}
}

func (e *Engine) goBackground(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.baseCtx, e.opts.BatchTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Error("background operation failed", "operation", name, "error", err)
		}
	}()
}

// GetTask returns the task with its live counters.
func (e *Engine) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	return e.liveTask(ctx, taskID)
}

// GetConversation reads the cached working copy, falling back to the store.
func (e *Engine) GetConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	var conv model.Conversation
	err := cache.GetJSON(ctx, e.cache, conversationKey(conversationID), &conv)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		e.logger.Warn("conversation cache read failed", "conversation_id", conversationID, "error", err)
	}
	conv, ok, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("scheduler: get conversation %s: %w", conversationID, err)
	}
	if !ok {
		return model.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// ActiveConversations scans the cache for open conversations. A scan that ran
// out of budget still returns what it found together with the scan error.
func (e *Engine) ActiveConversations(ctx context.Context) ([]model.Conversation, error) {
	all, err := cache.ScanJSON[model.Conversation](ctx, e.cache, conversationPrefix)
	if err != nil && !errors.Is(err, cache.ErrScanIncomplete) {
		return nil, fmt.Errorf("scheduler: scan conversations: %w", err)
	}
	out := make([]model.Conversation, 0, len(all))
	for _, c := range all {
		if c.Open() {
			out = append(out, c)
		}
	}
	return out, err
}

// UpdateConversation applies fn to the current copy under the conversation
// lock and writes the result to the store and the cache.
func (e *Engine) UpdateConversation(ctx context.Context, conversationID string, fn func(*model.Conversation) error) (model.Conversation, error) {
	var out model.Conversation
	err := e.locker.WithLock(ctx, conversationLockKey(conversationID), func(ctx context.Context) error {
		conv, err := e.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if err := fn(&conv); err != nil {
			return err
		}
		if err := e.saveConversation(ctx, &conv); err != nil {
			return err
		}
		out = conv
		return nil
	})
	return out, err
}

func (e *Engine) loadTask(ctx context.Context, taskID string) (model.Task, error) {
	var task model.Task
	err := cache.GetJSON(ctx, e.cache, taskKey(taskID), &task)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		e.logger.Warn("task cache read failed", "task_id", taskID, "error", err)
	}
	task, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, fmt.Errorf("scheduler: get task %s: %w", taskID, err)
	}
	if !ok {
		return model.Task{}, ErrTaskNotFound
	}
	if task.Status.Running() {
		if err := cache.SetJSON(ctx, e.cache, taskKey(taskID), task, e.opts.EntityTTL); err != nil {
			e.logger.Warn("task cache write failed", "task_id", taskID, "error", err)
		}
	}
	return task, nil
}

// liveTask overlays the cache counters on a running task. Terminal tasks keep
// the frozen values of their record.
func (e *Engine) liveTask(ctx context.Context, taskID string) (model.Task, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if err := e.overlayCounters(ctx, &task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

func (e *Engine) overlayCounters(ctx context.Context, task *model.Task) error {
	if !task.Status.Running() {
		return nil
	}
	inFlight, err := e.counter.Get(ctx, inFlightKey(task.TaskID))
	if err != nil {
		return fmt.Errorf("scheduler: read counters task %s: %w", task.TaskID, err)
	}
	completed, err := e.counter.Get(ctx, completedKey(task.TaskID))
	if err != nil {
		return fmt.Errorf("scheduler: read counters task %s: %w", task.TaskID, err)
	}
	task.InFlightConversations = inFlight
	task.CompletedConversations = completed
	return nil
}

func (e *Engine) saveTask(ctx context.Context, task *model.Task) error {
	task.UpdatedAt = e.now()
	if err := e.store.PutTask(ctx, *task); err != nil {
		return fmt.Errorf("scheduler: save task %s: %w", task.TaskID, err)
	}
	if task.Status.Running() {
		if err := cache.SetJSON(ctx, e.cache, taskKey(task.TaskID), task, e.opts.EntityTTL); err != nil {
			return fmt.Errorf("scheduler: cache task %s: %w", task.TaskID, err)
		}
		return nil
	}
	if err := e.cache.Delete(ctx, taskKey(task.TaskID)); err != nil {
		e.logger.Warn("task cache evict failed", "task_id", task.TaskID, "error", err)
	}
	return nil
}

// updateTask applies fn to the live task under the task lock and persists it.
func (e *Engine) updateTask(ctx context.Context, taskID string, fn func(*model.Task) error) (model.Task, error) {
	var out model.Task
	err := e.locker.WithLock(ctx, taskLockKey(taskID), func(ctx context.Context) error {
		task, err := e.liveTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		if err := e.saveTask(ctx, &task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

func (e *Engine) saveConversation(ctx context.Context, conv *model.Conversation) error {
	if err := e.store.PutConversation(ctx, *conv); err != nil {
		return fmt.Errorf("scheduler: save conversation %s: %w", conv.ConversationID, err)
	}
	if !conv.Open() {
		if err := e.cache.Delete(ctx, conversationKey(conv.ConversationID)); err != nil {
			e.logger.Warn("conversation cache evict failed", "conversation_id", conv.ConversationID, "error", err)
		}
		return nil
	}
	if err := cache.SetJSON(ctx, e.cache, conversationKey(conv.ConversationID), conv, e.opts.EntityTTL); err != nil {
		return fmt.Errorf("scheduler: cache conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

func (e *Engine) warmUpDelay() time.Duration {
	lo, hi := e.opts.MinWarmUpDelay, e.opts.MaxWarmUpDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
