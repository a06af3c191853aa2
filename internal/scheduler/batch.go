package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
)

// BatchResult summarizes one batch run.
type BatchResult struct {
	Created   int
	Requeued  bool
	Abandoned bool
}

func (e *Engine) triggerBatch(taskID string, desired int) {
	if desired <= 0 {
		return
	}
	e.goBackground("batch", func(ctx context.Context) error {
		_, err := e.ProcessNextBatch(ctx, taskID, desired)
		return err
	})
}

// ProcessNextBatch starts up to desired conversations for the task. Calls for
// the same task share one in-flight run: a concurrent caller gets the result
// of the run already in progress.
func (e *Engine) ProcessNextBatch(ctx context.Context, taskID string, desired int) (BatchResult, error) {
	v, err, shared := e.batches.Do(taskID, func() (any, error) {
		// The run is shared, so it must not die with whichever caller started
		// it. It still ends on timeout or engine shutdown.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.BatchTimeout)
		defer cancel()
		stop := context.AfterFunc(e.baseCtx, cancel)
		defer stop()
		return e.runBatch(runCtx, taskID, desired)
	})
	if shared {
		e.logger.Debug("batch call shared", "task_id", taskID)
	}
	res, _ := v.(BatchResult)
	return res, err
}

func (e *Engine) runBatch(ctx context.Context, taskID string, desired int) (BatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.batch",
		attribute.String("task.id", taskID),
		attribute.Int("batch.desired", desired),
	)
	defer span.End()

	var res BatchResult
	task, err := e.liveTask(ctx, taskID)
	if err != nil {
		e.metrics.Batch("error")
		return res, err
	}
	if task.Status != model.TaskInProgress {
		e.metrics.Batch("skipped")
		return res, nil
	}
	n := min(desired, task.Remaining(), task.Spare())
	if n <= 0 {
		e.metrics.Batch("skipped")
		return res, nil
	}

	for i := 0; i < n; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, e.opts.CreationDelay); err != nil {
				break
			}
		}
		cur, err := e.liveTask(ctx, taskID)
		if err != nil {
			e.logger.Warn("batch re-read task failed", "task_id", taskID, "error", err)
			break
		}
		if cur.Status != model.TaskInProgress {
			e.logger.Info("batch aborted, task no longer in progress", "task_id", taskID, "status", cur.Status)
			break
		}
		if cur.Remaining() <= 0 || cur.Spare() <= 0 {
			break
		}
		slots, err := e.queue.DequeueForTask(ctx, taskID, 1)
		if err != nil {
			e.logger.Warn("batch dequeue failed", "task_id", taskID, "error", err)
			break
		}
		if len(slots) == 0 {
			break
		}
		slot := slots[0]

		if err := e.startConversation(ctx, &cur); err != nil {
			e.metrics.ConversationCreated("error")
			if ctx.Err() != nil {
				// Shutdown or timeout, not a platform failure: keep the slot for
				// the next run and leave the task in progress.
				e.logger.Warn("batch interrupted, requeueing slot", "task_id", taskID, "slot_id", slot.SlotID, "created", res.Created, "error", err)
				if rqErr := e.queue.RequeueFront(context.WithoutCancel(ctx), slot); rqErr != nil {
					e.logger.Error("requeue slot failed", "task_id", taskID, "slot_id", slot.SlotID, "error", rqErr)
				}
				res.Requeued = true
				e.metrics.Batch("interrupted")
				return res, nil
			}
			if res.Created == 0 {
				e.logger.Error("first conversation of batch failed, abandoning task", "task_id", taskID, "slot_id", slot.SlotID, "error", err)
				if abErr := e.AbandonTask(ctx, taskID, "conversation creation failed: "+err.Error()); abErr != nil {
					e.logger.Error("abandon task failed", "task_id", taskID, "error", abErr)
				}
				res.Abandoned = true
				e.metrics.Batch("abandoned")
				span.RecordError(err)
				return res, fmt.Errorf("scheduler: batch task %s: %w", taskID, err)
			}
			e.logger.Warn("conversation creation failed, requeueing slot", "task_id", taskID, "slot_id", slot.SlotID, "created", res.Created, "error", err)
			if rqErr := e.queue.RequeueFront(ctx, slot); rqErr != nil {
				e.logger.Error("requeue slot failed", "task_id", taskID, "slot_id", slot.SlotID, "error", rqErr)
			}
			res.Requeued = true
			e.metrics.Batch("partial")
			return res, nil
		}
		e.metrics.ConversationCreated("ok")
		res.Created++
	}
	e.metrics.Batch("ok")
	e.logger.Info("batch finished", "task_id", taskID, "created", res.Created, "desired", desired)
	return res, nil
}

// startConversation reserves an in-flight unit, creates the conversation on
// the platform and sends its opening consumer turn. Any failure releases the
// reservation.
func (e *Engine) startConversation(ctx context.Context, task *model.Task) (err error) {
	index := task.CompletedConversations + task.InFlightConversations
	if _, err := e.counter.Increment(ctx, inFlightKey(task.TaskID), 1); err != nil {
		return err
	}
	var created *model.Conversation
	defer func() {
		if err == nil {
			return
		}
		// The release must land even when ctx is already cancelled.
		ctx := context.WithoutCancel(ctx)
		if created != nil {
			if clErr := e.platform.CloseConversation(ctx, task.AccountID, created.ConsumerToken, created.ConversationID, created.DialogID); clErr != nil {
				e.logger.Warn("close failed conversation", "conversation_id", created.ConversationID, "error", clErr)
			}
		}
		if _, decErr := e.counter.Decrement(ctx, inFlightKey(task.TaskID), 1); decErr != nil {
			e.logger.Error("release in-flight reservation", "task_id", task.TaskID, "error", decErr)
		}
	}()

	scenario, persona, identity := task.Pick(index)
	res, err := e.platform.CreateConversation(ctx, task, identity, task.SkillID)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	now := e.now()
	conv := model.NewConversation(res.ConversationID, task, now)
	conv.ConsumerToken = res.ConsumerToken
	conv.DialogID = res.DialogID
	conv.ScenarioID = scenario.ID
	conv.PersonaID = persona.ID
	created = conv

	text, err := e.flows.InvokeFlow(ctx, task.AccountID, task.Credentials.FlowToken, task.FlowID, flows.OpeningTurn(task, conv))
	if errors.Is(err, flows.ErrContentPolicy) {
		e.metrics.ContentPolicyStrike()
		text, err = e.flows.InvokeFlow(ctx, task.AccountID, task.Credentials.FlowToken, task.FlowID, flows.FallbackTurn(task, conv))
	}
	if err != nil {
		return fmt.Errorf("opening turn: %w", err)
	}
	text = model.StripEndMarker(text)
	if err := e.platform.PublishMessage(ctx, task.AccountID, conv.ConsumerToken, text, conv.ConversationID, conv.DialogID); err != nil {
		return fmt.Errorf("publish opening turn: %w", err)
	}
	conv.RecordConsumerTurn(text, e.now())
	if err := e.saveConversation(ctx, conv); err != nil {
		return err
	}
	e.logger.Info("conversation started",
		"task_id", task.TaskID,
		"conversation_id", conv.ConversationID,
		"scenario_id", conv.ScenarioID,
		"persona_id", conv.PersonaID,
	)
	return nil
}

// PumpQueue triggers a batch for every task with slots at the head of the
// queue, in the order their first slot appears.
func (e *Engine) PumpQueue(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.pump")
	defer span.End()

	depth, err := e.queue.Len(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: pump queue: %w", err)
	}
	e.metrics.QueueDepth(depth)
	slots, err := e.queue.Peek(ctx, e.opts.PumpWindow)
	if err != nil {
		return fmt.Errorf("scheduler: pump queue: %w", err)
	}
	seen := make(map[string]bool, len(slots))
	for _, slot := range slots {
		if seen[slot.TaskID] {
			continue
		}
		seen[slot.TaskID] = true
		task, err := e.liveTask(ctx, slot.TaskID)
		if errors.Is(err, ErrTaskNotFound) || (err == nil && task.Status.Terminal()) {
			if _, rmErr := e.queue.RemoveTask(ctx, slot.TaskID); rmErr != nil {
				e.logger.Warn("purge orphan slots failed", "task_id", slot.TaskID, "error", rmErr)
			}
			continue
		}
		if err != nil {
			e.logger.Warn("pump read task failed", "task_id", slot.TaskID, "error", err)
			continue
		}
		if task.Status != model.TaskInProgress {
			continue
		}
		e.triggerBatch(task.TaskID, min(task.Spare(), task.Remaining()))
	}
	return nil
}
