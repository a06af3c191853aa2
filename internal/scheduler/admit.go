package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/policy"
)

type AdmitRequest struct {
	MaxConversations        int               `json:"max_conversations"`
	ConcurrentConversations int               `json:"concurrent_conversations"`
	MaxTurns                int               `json:"max_turns,omitempty"`
	Scenarios               []model.Scenario  `json:"scenarios"`
	Personas                []model.Persona   `json:"personas"`
	Identities              []model.Identity  `json:"identities"`
	SkillID                 string            `json:"skill_id,omitempty"`
	FlowID                  string            `json:"flow_id"`
	AnalysisFlowID          string            `json:"analysis_flow_id,omitempty"`
	SuccessCriteria         string            `json:"success_criteria,omitempty"`
	Credentials             model.Credentials `json:"credentials,omitempty"`
}

// Admission is the outcome of Admit. Existing is set when the user already
// had a running task in the account and that task was returned instead.
type Admission struct {
	Task     model.Task
	Existing bool
}

// Admit validates and admits a task for (accountID, userID), queues its first
// slots and starts the first batch in the background.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest, accountID, userID string) (Admission, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.admit",
		attribute.String("account.id", accountID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	task, err := e.buildTask(req, accountID, userID)
	if err != nil {
		e.metrics.TaskAdmitted("invalid")
		return Admission{}, err
	}

	var out Admission
	err = e.locker.WithLock(ctx, admitLockKey(accountID), func(ctx context.Context) error {
		existing, ok, err := e.runningTaskFor(ctx, accountID, userID)
		if err != nil {
			return err
		}
		if ok {
			out = Admission{Task: existing, Existing: true}
			return nil
		}
		running, err := e.store.ListRunningTasks(ctx, accountID)
		if err != nil {
			return fmt.Errorf("scheduler: admit list running account %s: %w", accountID, err)
		}
		decision := e.policy.EvaluateAdmission(policy.AdmissionInput{
			AccountID:               accountID,
			UserID:                  userID,
			SkillID:                 task.SkillID,
			FlowID:                  task.FlowID,
			RunningTasks:            len(running),
			MaxConversations:        task.MaxConversations,
			ConcurrentConversations: task.ConcurrentConversations,
		})
		if !decision.Allowed {
			return &QuotaError{ReasonCode: decision.ReasonCode, Rule: decision.Rule, Message: decision.Message}
		}

		if err := e.store.PutTask(ctx, task); err != nil {
			return fmt.Errorf("scheduler: admit persist task %s: %w", task.TaskID, err)
		}
		if err := cache.SetJSON(ctx, e.cache, taskKey(task.TaskID), task, e.opts.EntityTTL); err != nil {
			return fmt.Errorf("scheduler: admit cache task %s: %w", task.TaskID, err)
		}
		if err := e.cache.Set(ctx, runningTaskKey(accountID, userID), []byte(task.TaskID), e.opts.EntityTTL); err != nil {
			return fmt.Errorf("scheduler: admit mark running task %s: %w", task.TaskID, err)
		}
		if err := e.counter.Set(ctx, inFlightKey(task.TaskID), 0); err != nil {
			return err
		}
		if err := e.counter.Set(ctx, completedKey(task.TaskID), 0); err != nil {
			return err
		}
		out = Admission{Task: task}
		return nil
	})
	if err != nil {
		var qe *QuotaError
		if errors.As(err, &qe) {
			e.metrics.TaskAdmitted("quota")
		} else {
			e.metrics.TaskAdmitted("error")
		}
		span.RecordError(err)
		return Admission{}, err
	}
	if out.Existing {
		e.metrics.TaskAdmitted("existing")
		return out, nil
	}

	n := min(e.opts.MaxQueuing, out.Task.ConcurrentConversations)
	if _, err := e.queue.Enqueue(ctx, out.Task.TaskID, accountID, n); err != nil {
		// The task exists; the queue pump cannot recover slots that were never
		// queued, so abandon it rather than leave it idle.
		e.logger.Error("enqueue initial slots failed", "task_id", out.Task.TaskID, "error", err)
		if abErr := e.AbandonTask(ctx, out.Task.TaskID, "enqueue failed: "+err.Error()); abErr != nil {
			e.logger.Error("abandon after enqueue failure", "task_id", out.Task.TaskID, "error", abErr)
		}
		e.metrics.TaskAdmitted("error")
		return Admission{}, fmt.Errorf("scheduler: admit enqueue task %s: %w", out.Task.TaskID, err)
	}
	e.metrics.TaskAdmitted("admitted")
	e.logger.Info("task admitted",
		"task_id", out.Task.TaskID,
		"account_id", accountID,
		"user_id", userID,
		"max_conversations", out.Task.MaxConversations,
		"concurrent", out.Task.ConcurrentConversations,
		"slots", n,
	)
	e.triggerBatch(out.Task.TaskID, n)
	return out, nil
}

// runningTaskFor resolves the user's running task through the cache marker
// first and the store second.
func (e *Engine) runningTaskFor(ctx context.Context, accountID, userID string) (model.Task, bool, error) {
	raw, err := e.cache.Get(ctx, runningTaskKey(accountID, userID))
	switch {
	case err == nil:
		task, err := e.liveTask(ctx, string(raw))
		if err == nil && task.Status.Running() {
			return task, true, nil
		}
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return model.Task{}, false, err
		}
	case !errors.Is(err, cache.ErrNotFound):
		return model.Task{}, false, fmt.Errorf("scheduler: read running marker: %w", err)
	}
	running, err := e.store.ListRunningTasks(ctx, accountID)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("scheduler: list running account %s: %w", accountID, err)
	}
	for _, t := range running {
		if t.CreatedBy == userID {
			if err := e.overlayCounters(ctx, &t); err != nil {
				return model.Task{}, false, err
			}
			return t, true, nil
		}
	}
	return model.Task{}, false, nil
}

func (e *Engine) buildTask(req AdmitRequest, accountID, userID string) (model.Task, error) {
	accountID = strings.TrimSpace(accountID)
	userID = strings.TrimSpace(userID)
	if accountID == "" {
		return model.Task{}, &ValidationError{Field: "account_id", Reason: "required"}
	}
	if userID == "" {
		return model.Task{}, &ValidationError{Field: "user", Reason: "required"}
	}
	if req.MaxConversations <= 0 {
		return model.Task{}, &ValidationError{Field: "max_conversations", Reason: "must be positive"}
	}
	if req.ConcurrentConversations <= 0 {
		return model.Task{}, &ValidationError{Field: "concurrent_conversations", Reason: "must be positive"}
	}
	if strings.TrimSpace(req.FlowID) == "" {
		return model.Task{}, &ValidationError{Field: "flow_id", Reason: "required"}
	}
	scenarios := resolveScenarios(req.Scenarios)
	if len(scenarios) == 0 {
		return model.Task{}, &ValidationError{Field: "scenarios", Reason: "no scenario with a prompt"}
	}
	personas := resolvePersonas(req.Personas)
	if len(personas) == 0 {
		return model.Task{}, &ValidationError{Field: "personas", Reason: "no persona with a description"}
	}
	identities := resolveIdentities(req.Identities)
	if len(identities) == 0 {
		return model.Task{}, &ValidationError{Field: "identities", Reason: "no identity with a customer id"}
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = e.opts.MaxTurns
	}
	now := e.now()
	return model.Task{
		TaskID:                  uuid.NewString(),
		AccountID:               accountID,
		CreatedBy:               userID,
		Status:                  model.TaskInProgress,
		MaxConversations:        req.MaxConversations,
		ConcurrentConversations: min(req.ConcurrentConversations, req.MaxConversations),
		MaxTurns:                maxTurns,
		Scenarios:               scenarios,
		Personas:                personas,
		Identities:              identities,
		SkillID:                 strings.TrimSpace(req.SkillID),
		FlowID:                  strings.TrimSpace(req.FlowID),
		AnalysisFlowID:          strings.TrimSpace(req.AnalysisFlowID),
		SuccessCriteria:         req.SuccessCriteria,
		Credentials:             req.Credentials,
		CreatedAt:               now,
		UpdatedAt:               now,
	}, nil
}

func resolveScenarios(in []model.Scenario) []model.Scenario {
	out := make([]model.Scenario, 0, len(in))
	for i, s := range in {
		if strings.TrimSpace(s.Prompt) == "" {
			continue
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("scenario-%d", i+1)
		}
		out = append(out, s)
	}
	return out
}

func resolvePersonas(in []model.Persona) []model.Persona {
	out := make([]model.Persona, 0, len(in))
	for i, p := range in {
		if strings.TrimSpace(p.Description) == "" {
			continue
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("persona-%d", i+1)
		}
		out = append(out, p)
	}
	return out
}

func resolveIdentities(in []model.Identity) []model.Identity {
	out := make([]model.Identity, 0, len(in))
	for _, id := range in {
		if strings.TrimSpace(id.CustomerID) == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}
