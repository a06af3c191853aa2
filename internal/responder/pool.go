// Package responder runs the polling loop that writes consumer replies for
// every open conversation whose response timer has elapsed.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/logging"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/platform"
	"github.com/example/convsim/internal/scheduler"
)

const (
	ReasonPostSurveyTimeout = "post_survey_timeout"
	ReasonContentPolicy     = "content_policy"
	ReasonEndMarker         = "end_marker"
	ReasonMaxTurns          = "max_turns"
)

// Engine is the part of the scheduler the responder drives.
type Engine interface {
	ActiveConversations(ctx context.Context) ([]model.Conversation, error)
	GetTask(ctx context.Context, taskID string) (model.Task, error)
	UpdateConversation(ctx context.Context, conversationID string, fn func(*model.Conversation) error) (model.Conversation, error)
	CloseConversation(ctx context.Context, conversationID, reason string) error
}

type Config struct {
	Interval          time.Duration
	Jitter            float64 // fraction of Interval, 0..1
	MaxConcurrency    int
	PostSurveyTimeout time.Duration
	MaxStrikes        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	TurnTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.PostSurveyTimeout <= 0 {
		c.PostSurveyTimeout = 2 * time.Minute
	}
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	return c
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = logging.Component(l, "responder") } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Pool) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

type Pool struct {
	engine   Engine
	platform platform.Client
	flows    flows.Invoker
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	backoff  *backoff.ExponentialBackOff
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(engine Engine, pc platform.Client, fi flows.Invoker, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	p := &Pool{
		engine:   engine,
		platform: pc,
		flows:    fi,
		cfg:      cfg,
		logger:   logging.Component(logging.Discard(), "responder"),
		now:      func() time.Time { return time.Now().UTC() },
		backoff:  b,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks until ctx is done or Stop is called. A tick in progress always
// finishes its in-flight conversations first.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("responder started", "interval", p.cfg.Interval, "max_concurrency", p.cfg.MaxConcurrency)
	defer p.logger.Info("responder stopped")
	delay := p.jittered()
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
		err := p.Tick(ctx)
		if err != nil {
			p.logger.Warn("responder tick failed", "error", err)
		}
		delay = p.nextDelay(err)
	}
}

// Stop asks Run to return after the current tick.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// nextDelay backs off exponentially after a failed tick and returns to the
// jittered interval after a good one.
func (p *Pool) nextDelay(tickErr error) time.Duration {
	if tickErr != nil {
		return p.backoff.NextBackOff()
	}
	p.backoff.Reset()
	return p.jittered()
}

func (p *Pool) jittered() time.Duration {
	base := float64(p.cfg.Interval)
	spread := (rand.Float64()*2 - 1) * p.cfg.Jitter * base
	return time.Duration(base + spread)
}

var errAllFailed = errors.New("responder: every conversation in the tick failed")

// Tick processes every eligible conversation once with at most MaxConcurrency
// workers. Failures of single conversations are logged; the tick fails only
// when the scan fails or every attempted conversation failed.
func (p *Pool) Tick(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "responder.tick")
	defer span.End()
	started := time.Now()

	convs, err := p.engine.ActiveConversations(ctx)
	if err != nil {
		if !errors.Is(err, cache.ErrScanIncomplete) {
			p.metrics.ResponderTick("error", time.Since(started), 0)
			return fmt.Errorf("responder: fetch active: %w", err)
		}
		p.logger.Warn("active conversation scan incomplete", "found", len(convs))
	}
	span.SetAttributes(attribute.Int("conversations.active", len(convs)))
	if len(convs) == 0 {
		p.metrics.ResponderTick("idle", time.Since(started), 0)
		return nil
	}

	// Work runs detached from ctx so a shutdown lets started turns finish.
	workCtx := context.WithoutCancel(ctx)
	var cursor, attempted, failed atomic.Int64
	workers := min(p.cfg.MaxConcurrency, len(convs))
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if p.stopping(ctx) {
					return nil
				}
				i := int(cursor.Add(1) - 1)
				if i >= len(convs) {
					return nil
				}
				did, err := p.process(workCtx, convs[i])
				if !did {
					continue
				}
				attempted.Add(1)
				if err != nil {
					failed.Add(1)
					p.logger.Warn("conversation turn failed", "conversation_id", convs[i].ConversationID, "task_id", convs[i].TaskID, "error", err)
				}
			}
		})
	}
	_ = g.Wait()

	if n := attempted.Load(); n > 0 && failed.Load() == n {
		p.metrics.ResponderTick("error", time.Since(started), len(convs))
		return fmt.Errorf("%w (%d)", errAllFailed, n)
	}
	p.metrics.ResponderTick("ok", time.Since(started), len(convs))
	return nil
}

// process advances one conversation. It reports whether any work was tried.
func (p *Pool) process(ctx context.Context, conv model.Conversation) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()
	now := p.now()

	if conv.PostSurveyExpired(now, p.cfg.PostSurveyTimeout) {
		return true, p.engine.CloseConversation(ctx, conv.ConversationID, ReasonPostSurveyTimeout)
	}
	if !conv.AwaitingResponse() || !conv.Eligible(now) {
		return false, nil
	}
	task, err := p.engine.GetTask(ctx, conv.TaskID)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			p.logger.Warn("conversation has no task, skipping", "conversation_id", conv.ConversationID, "task_id", conv.TaskID)
			return false, nil
		}
		return true, err
	}
	if task.Status != model.TaskInProgress {
		return false, nil
	}
	return true, p.reply(ctx, &task, conv)
}

func (p *Pool) reply(ctx context.Context, task *model.Task, conv model.Conversation) error {
	consumed := len(conv.LastTurnText)
	usedFallback := false
	text, err := p.flows.InvokeFlow(ctx, task.AccountID, task.Credentials.FlowToken, task.FlowID, flows.NextTurn(task, &conv))
	if errors.Is(err, flows.ErrContentPolicy) {
		if closed, err := p.strike(ctx, conv.ConversationID); err != nil || closed {
			return err
		}
		usedFallback = true
		text, err = p.flows.InvokeFlow(ctx, task.AccountID, task.Credentials.FlowToken, task.FlowID, flows.FallbackTurn(task, &conv))
		if errors.Is(err, flows.ErrContentPolicy) {
			// The turn stays pending and is retried on a later tick.
			closed, err := p.strike(ctx, conv.ConversationID)
			if err == nil && !closed {
				p.metrics.Turn("content_policy")
			}
			return err
		}
	}
	if err != nil {
		p.metrics.Turn("error")
		return fmt.Errorf("generate turn: %w", err)
	}

	end := model.HasEndMarker(text)
	text = model.StripEndMarker(text)
	if text != "" {
		if err := p.platform.PublishMessage(ctx, task.AccountID, conv.ConsumerToken, text, conv.ConversationID, conv.DialogID); err != nil {
			p.metrics.Turn("error")
			return fmt.Errorf("publish turn: %w", err)
		}
	}
	updated, err := p.engine.UpdateConversation(ctx, conv.ConversationID, func(c *model.Conversation) error {
		if text != "" {
			c.ReplyTo(consumed, text, p.now())
		} else {
			c.ClearPending(p.now())
		}
		if !usedFallback {
			c.Strikes = 0
		}
		return nil
	})
	if err != nil {
		return err
	}
	if usedFallback {
		p.metrics.Turn("fallback")
	} else {
		p.metrics.Turn("ok")
	}

	switch {
	case end:
		return p.engine.CloseConversation(ctx, conv.ConversationID, ReasonEndMarker)
	case task.MaxTurns > 0 && updated.Turns >= task.MaxTurns:
		return p.engine.CloseConversation(ctx, conv.ConversationID, ReasonMaxTurns)
	}
	return nil
}

// strike records one content policy rejection and closes the conversation
// once it has collected MaxStrikes of them.
func (p *Pool) strike(ctx context.Context, conversationID string) (bool, error) {
	p.metrics.ContentPolicyStrike()
	updated, err := p.engine.UpdateConversation(ctx, conversationID, func(c *model.Conversation) error {
		c.Strikes++
		return nil
	})
	if err != nil {
		return false, err
	}
	p.logger.Info("content policy strike", "conversation_id", conversationID, "strikes", updated.Strikes)
	if updated.Strikes < p.cfg.MaxStrikes {
		return false, nil
	}
	p.metrics.Turn("content_policy_closed")
	return true, p.engine.CloseConversation(ctx, conversationID, ReasonContentPolicy)
}
