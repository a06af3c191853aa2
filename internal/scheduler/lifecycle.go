package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
)

// CloseConversation closes an open conversation locally and on the platform,
// archives its transcript and hands the freed unit back to the task. Closing
// an already closed conversation is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, conversationID, reason string) error {
	var closed model.Conversation
	changed := false
	_, err := e.UpdateConversation(ctx, conversationID, func(c *model.Conversation) error {
		changed = c.Close(e.now())
		closed = *c
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduler: close conversation %s: %w", conversationID, err)
	}
	if !changed {
		return nil
	}
	e.metrics.ConversationClosed(reason)
	e.logger.Info("conversation closed", "conversation_id", conversationID, "task_id", closed.TaskID, "reason", reason, "turns", closed.Turns)

	if err := e.platform.CloseConversation(ctx, closed.AccountID, closed.ConsumerToken, closed.ConversationID, closed.DialogID); err != nil {
		e.logger.Warn("platform close failed", "conversation_id", conversationID, "error", err)
	}
	e.archive(ctx, &closed)
	return e.OnConversationClosed(ctx, closed.TaskID)
}

// SetConversationState pauses or resumes an open conversation. The responder
// leaves paused conversations alone; agent turns still buffer while paused.
func (e *Engine) SetConversationState(ctx context.Context, conversationID string, to model.ConversationState) (model.Conversation, error) {
	if to != model.StateActive && to != model.StatePaused {
		return model.Conversation{}, &ValidationError{Field: "state", Reason: "must be ACTIVE or PAUSED"}
	}
	conv, err := e.UpdateConversation(ctx, conversationID, func(c *model.Conversation) error {
		return c.TransitionTo(to, e.now())
	})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("scheduler: set conversation %s state: %w", conversationID, err)
	}
	e.logger.Info("conversation state changed", "conversation_id", conversationID, "task_id", conv.TaskID, "state", conv.State)
	return conv, nil
}

func (e *Engine) archive(ctx context.Context, conv *model.Conversation) {
	ref, err := e.archiver.Archive(ctx, conv)
	if err != nil {
		e.logger.Warn("archive transcript failed", "conversation_id", conv.ConversationID, "error", err)
		return
	}
	if ref != "" {
		e.logger.Debug("transcript archived", "conversation_id", conv.ConversationID, "ref", ref)
	}
}

// OnConversationClosed moves one unit from in flight to completed, then either
// replenishes the task from its remaining quota or concludes it.
func (e *Engine) OnConversationClosed(ctx context.Context, taskID string) error {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	// Completed goes up before in flight goes down so a batch reading the
	// counters in between sees less spare quota, never more.
	if _, err := e.counter.Increment(ctx, completedKey(taskID), 1); err != nil {
		return fmt.Errorf("scheduler: close bookkeeping task %s: %w", taskID, err)
	}
	if e.afterCompletedHook != nil {
		e.afterCompletedHook()
	}
	if _, err := e.counter.Decrement(ctx, inFlightKey(taskID), 1); err != nil {
		return fmt.Errorf("scheduler: close bookkeeping task %s: %w", taskID, err)
	}
	task, err = e.updateTask(ctx, taskID, func(*model.Task) error { return nil })
	if err != nil {
		return err
	}
	if task.Status != model.TaskInProgress {
		return nil
	}
	if task.Remaining() > 0 {
		queued, err := e.queuedFor(ctx, taskID)
		if err != nil {
			return err
		}
		if queued < task.Remaining() {
			if _, err := e.queue.Enqueue(ctx, taskID, task.AccountID, 1); err != nil {
				return fmt.Errorf("scheduler: replenish task %s: %w", taskID, err)
			}
		}
		e.triggerBatch(taskID, task.Spare())
		return nil
	}
	if task.InFlightConversations == 0 {
		e.goBackground("conclude", func(ctx context.Context) error {
			return e.Conclude(ctx, taskID)
		})
	}
	return nil
}

func (e *Engine) queuedFor(ctx context.Context, taskID string) (int, error) {
	slots, err := e.queue.Peek(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("scheduler: peek queue: %w", err)
	}
	n := 0
	for _, s := range slots {
		if s.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

// Conclude scores a task whose quota is spent and that has nothing in flight.
// Only the caller that moves the task to ANALYZING runs the analysis; any
// scoring failure ends the task in ERROR.
func (e *Engine) Conclude(ctx context.Context, taskID string) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.conclude", attribute.String("task.id", taskID))
	defer span.End()

	claimed := false
	task, err := e.updateTask(ctx, taskID, func(t *model.Task) error {
		if t.Status != model.TaskInProgress || t.Remaining() > 0 || t.InFlightConversations > 0 {
			return nil
		}
		changed, err := t.TransitionTo(model.TaskAnalyzing, e.now())
		claimed = changed
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler: conclude task %s: %w", taskID, err)
	}
	if !claimed {
		return nil
	}
	e.logger.Info("task analyzing", "task_id", taskID, "completed", task.CompletedConversations)
	return e.analyze(ctx, task)
}

func (e *Engine) analyze(ctx context.Context, task model.Task) error {
	summary, err := e.scoreConversations(ctx, &task)
	if err != nil {
		e.logger.Error("task analysis failed", "task_id", task.TaskID, "error", err)
		if _, stErr := e.finishTask(ctx, task.TaskID, model.TaskError, "analysis failed: "+err.Error(), ""); stErr != nil {
			return errors.Join(err, stErr)
		}
		return fmt.Errorf("scheduler: analyze task %s: %w", task.TaskID, err)
	}
	_, err = e.finishTask(ctx, task.TaskID, model.TaskCompleted, "", summary)
	return err
}

func (e *Engine) scoreConversations(ctx context.Context, task *model.Task) (string, error) {
	convs, err := e.store.ListConversationsByTask(ctx, task.TaskID)
	if err != nil {
		return "", err
	}
	if task.AnalysisFlowID == "" {
		return fmt.Sprintf("%d conversations, analysis skipped", len(convs)), nil
	}
	scored := 0
	for i := range convs {
		conv := &convs[i]
		if conv.Open() {
			continue
		}
		if conv.Score == "" {
			score, err := e.flows.InvokeFlow(ctx, task.AccountID, task.Credentials.FlowToken, task.AnalysisFlowID, flows.Analysis(task, conv))
			if err != nil {
				return "", fmt.Errorf("score conversation %s: %w", conv.ConversationID, err)
			}
			conv.Score = strings.TrimSpace(score)
			conv.UpdatedAt = e.now()
			if err := e.store.UpdateConversation(ctx, *conv); err != nil {
				return "", fmt.Errorf("save score %s: %w", conv.ConversationID, err)
			}
		}
		scored++
	}
	return fmt.Sprintf("%d/%d conversations scored", scored, len(convs)), nil
}

// finishTask moves a task to a terminal status, strips its credentials and
// drops its queue slots and running marker. It reports whether the status
// changed; a COMPLETED task is left as is.
func (e *Engine) finishTask(ctx context.Context, taskID string, status model.TaskStatus, reason, score string) (model.Task, error) {
	changed := false
	task, err := e.updateTask(ctx, taskID, func(t *model.Task) error {
		if t.Status == model.TaskCompleted {
			return nil
		}
		// Counters freeze with the values read under the lock.
		ok, err := t.TransitionTo(status, e.now())
		if err != nil {
			return err
		}
		changed = ok
		if reason != "" {
			t.Reason = reason
		}
		if score != "" {
			t.Score = score
		}
		t.StripCredentials()
		return nil
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("scheduler: finish task %s: %w", taskID, err)
	}
	if !changed {
		return task, nil
	}
	e.metrics.TaskFinished(string(status))
	e.logger.Info("task finished", "task_id", taskID, "status", status, "reason", reason)
	if _, err := e.queue.RemoveTask(ctx, taskID); err != nil {
		e.logger.Warn("purge task slots failed", "task_id", taskID, "error", err)
	}
	e.clearRunningMarker(ctx, task)
	return task, nil
}

func (e *Engine) clearRunningMarker(ctx context.Context, task model.Task) {
	key := runningTaskKey(task.AccountID, task.CreatedBy)
	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Warn("read running marker failed", "task_id", task.TaskID, "error", err)
		}
		return
	}
	if string(raw) != task.TaskID {
		return
	}
	if err := e.cache.Delete(ctx, key); err != nil {
		e.logger.Warn("clear running marker failed", "task_id", task.TaskID, "error", err)
	}
}

// AbandonTask ends one task in ERROR and force-closes its open conversations.
func (e *Engine) AbandonTask(ctx context.Context, taskID, reason string) error {
	task, err := e.finishTask(ctx, taskID, model.TaskError, reason, "")
	if err != nil {
		return err
	}
	if task.Status == model.TaskCompleted {
		return nil
	}
	e.closeTaskConversations(ctx, task.TaskID, "abandoned")
	return nil
}

// StopResult lists what a stop-all touched.
type StopResult struct {
	Tasks         []string `json:"tasks"`
	Conversations int      `json:"conversations_closed"`
}

// StopAllForUser cancels (or fails, when isError) every running task the user
// owns in the account and closes their open conversations. A failure on one
// task or conversation is logged and the rest still proceed.
func (e *Engine) StopAllForUser(ctx context.Context, accountID, userID string, isError bool) (StopResult, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.stop_all",
		attribute.String("account.id", accountID),
		attribute.String("user.id", userID),
		attribute.Bool("stop.error", isError),
	)
	defer span.End()

	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(userID) == "" {
		return StopResult{}, &ValidationError{Field: "account_id/user", Reason: "required"}
	}
	tasks, err := e.gatherUserTasks(ctx, accountID, userID)
	if err != nil {
		return StopResult{}, err
	}
	status, reason := model.TaskCancelled, "stopped by user"
	if isError {
		status, reason = model.TaskError, "stopped on error"
	}
	res := StopResult{Tasks: []string{}}
	var finished []string
	for _, t := range tasks {
		if t.Status == model.TaskCompleted {
			continue
		}
		task, err := e.finishTask(ctx, t.TaskID, status, reason, "")
		if err != nil {
			e.logger.Error("stop task failed", "task_id", t.TaskID, "error", err)
			continue
		}
		if task.Status == model.TaskCompleted {
			continue
		}
		finished = append(finished, task.TaskID)
	}
	for _, id := range finished {
		res.Tasks = append(res.Tasks, id)
		res.Conversations += e.closeTaskConversations(ctx, id, "stopped")
	}
	e.logger.Info("stop all finished", "account_id", accountID, "user_id", userID, "tasks", len(res.Tasks), "conversations", res.Conversations)
	return res, nil
}

func (e *Engine) gatherUserTasks(ctx context.Context, accountID, userID string) ([]model.Task, error) {
	seen := map[string]bool{}
	var out []model.Task
	cached, err := cache.ScanJSON[model.Task](ctx, e.cache, taskPrefix)
	if err != nil && !errors.Is(err, cache.ErrScanIncomplete) {
		e.logger.Warn("scan cached tasks failed", "account_id", accountID, "error", err)
	}
	for _, t := range cached {
		if t.AccountID == accountID && t.CreatedBy == userID && t.Status.Running() && !seen[t.TaskID] {
			seen[t.TaskID] = true
			out = append(out, t)
		}
	}
	stored, err := e.store.ListRunningTasks(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: stop list running account %s: %w", accountID, err)
	}
	for _, t := range stored {
		if t.CreatedBy == userID && !seen[t.TaskID] {
			seen[t.TaskID] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// closeTaskConversations closes every open conversation of a finished task,
// found in the cache or the store. Counters are frozen so no bookkeeping runs.
func (e *Engine) closeTaskConversations(ctx context.Context, taskID, reason string) int {
	seen := map[string]bool{}
	var open []model.Conversation
	cached, err := cache.ScanJSON[model.Conversation](ctx, e.cache, conversationPrefix)
	if err != nil && !errors.Is(err, cache.ErrScanIncomplete) {
		e.logger.Warn("scan cached conversations failed", "task_id", taskID, "error", err)
	}
	for _, c := range cached {
		if c.TaskID == taskID && c.Open() && !seen[c.ConversationID] {
			seen[c.ConversationID] = true
			open = append(open, c)
		}
	}
	stored, err := e.store.ListConversationsByTask(ctx, taskID)
	if err != nil {
		e.logger.Warn("list stored conversations failed", "task_id", taskID, "error", err)
	}
	for _, c := range stored {
		if c.Open() && !seen[c.ConversationID] {
			seen[c.ConversationID] = true
			open = append(open, c)
		}
	}

	closed := 0
	for _, c := range open {
		if err := e.platform.CloseConversation(ctx, c.AccountID, c.ConsumerToken, c.ConversationID, c.DialogID); err != nil {
			e.logger.Warn("platform close failed", "task_id", taskID, "conversation_id", c.ConversationID, "error", err)
		}
		c.Close(e.now())
		if err := e.saveConversation(ctx, &c); err != nil {
			e.logger.Warn("persist closed conversation failed", "conversation_id", c.ConversationID, "error", err)
			continue
		}
		e.metrics.ConversationClosed(reason)
		e.archive(ctx, &c)
		closed++
	}
	return closed
}
