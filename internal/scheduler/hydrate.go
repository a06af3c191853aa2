package scheduler

import (
	"context"
	"fmt"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/model"
)

// HydrateResult counts what Hydrate re-seeded.
type HydrateResult struct {
	Tasks         int
	Conversations int
	Slots         int
}

// Hydrate re-seeds the cache from the durable store after a restart: running
// tasks, their open conversations, their counters and missing queue slots.
// Tasks left in ANALYZING resume their analysis and exhausted tasks conclude.
func (e *Engine) Hydrate(ctx context.Context) (HydrateResult, error) {
	var res HydrateResult
	tasks, err := e.store.ListRunningTasks(ctx, "")
	if err != nil {
		return res, fmt.Errorf("scheduler: hydrate list running: %w", err)
	}
	for _, task := range tasks {
		convs, err := e.store.ListConversationsByTask(ctx, task.TaskID)
		if err != nil {
			return res, fmt.Errorf("scheduler: hydrate task %s: %w", task.TaskID, err)
		}
		inFlight, completed := 0, 0
		for i := range convs {
			if convs[i].Open() {
				inFlight++
				if err := cache.SetJSON(ctx, e.cache, conversationKey(convs[i].ConversationID), convs[i], e.opts.EntityTTL); err != nil {
					return res, fmt.Errorf("scheduler: hydrate conversation %s: %w", convs[i].ConversationID, err)
				}
				res.Conversations++
				continue
			}
			completed++
		}
		if err := e.counter.Set(ctx, inFlightKey(task.TaskID), inFlight); err != nil {
			return res, err
		}
		if err := e.counter.Set(ctx, completedKey(task.TaskID), completed); err != nil {
			return res, err
		}
		task.InFlightConversations = inFlight
		task.CompletedConversations = completed
		if err := cache.SetJSON(ctx, e.cache, taskKey(task.TaskID), task, e.opts.EntityTTL); err != nil {
			return res, fmt.Errorf("scheduler: hydrate task %s: %w", task.TaskID, err)
		}
		if err := e.cache.Set(ctx, runningTaskKey(task.AccountID, task.CreatedBy), []byte(task.TaskID), e.opts.EntityTTL); err != nil {
			return res, fmt.Errorf("scheduler: hydrate running marker %s: %w", task.TaskID, err)
		}
		res.Tasks++

		switch {
		case task.Status == model.TaskAnalyzing:
			t := task
			e.goBackground("analyze", func(ctx context.Context) error { return e.analyze(ctx, t) })
		case task.Remaining() == 0 && inFlight == 0:
			id := task.TaskID
			e.goBackground("conclude", func(ctx context.Context) error { return e.Conclude(ctx, id) })
		case task.Remaining() > 0:
			queued, err := e.queuedFor(ctx, task.TaskID)
			if err != nil {
				return res, err
			}
			want := min(e.opts.MaxQueuing, task.Remaining())
			if queued < want {
				if _, err := e.queue.Enqueue(ctx, task.TaskID, task.AccountID, want-queued); err != nil {
					return res, fmt.Errorf("scheduler: hydrate slots %s: %w", task.TaskID, err)
				}
				res.Slots += want - queued
			}
			e.triggerBatch(task.TaskID, task.Spare())
		}
	}
	e.logger.Info("cache hydrated", "tasks", res.Tasks, "conversations", res.Conversations, "slots", res.Slots)
	return res, nil
}
