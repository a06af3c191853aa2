// Package model holds the task, conversation and slot entities shared by the
// scheduler, the responder loop and the durable store.
package model

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskAnalyzing  TaskStatus = "ANALYZING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskError      TaskStatus = "ERROR"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Terminal reports whether counters and status are frozen.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskError:
		return true
	default:
		return false
	}
}

// Running covers every non-terminal status, analysis included.
func (s TaskStatus) Running() bool {
	return s == TaskInProgress || s == TaskAnalyzing
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskInProgress: {TaskAnalyzing, TaskCancelled, TaskError},
	TaskAnalyzing:  {TaskCompleted, TaskCancelled, TaskError},
}

func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Identity struct {
	CustomerID string            `json:"customer_id"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Scenario struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Prompt string `json:"prompt"`
}

type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
}

// Credentials are embedded platform secrets. They never survive a stop.
type Credentials struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	FlowToken    string `json:"flow_token,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.ClientID == "" && c.ClientSecret == "" && c.FlowToken == ""
}

type Task struct {
	TaskID                  string      `json:"task_id"`
	AccountID               string      `json:"account_id"`
	CreatedBy               string      `json:"created_by"`
	Status                  TaskStatus  `json:"status"`
	MaxConversations        int         `json:"max_conversations"`
	ConcurrentConversations int         `json:"concurrent_conversations"`
	CompletedConversations  int         `json:"completed_conversations"`
	InFlightConversations   int         `json:"in_flight_conversations"`
	MaxTurns                int         `json:"max_turns"`
	Scenarios               []Scenario  `json:"scenarios"`
	Personas                []Persona   `json:"personas"`
	Identities              []Identity  `json:"identities"`
	SkillID                 string      `json:"skill_id,omitempty"`
	FlowID                  string      `json:"flow_id"`
	AnalysisFlowID          string      `json:"analysis_flow_id,omitempty"`
	SuccessCriteria         string      `json:"success_criteria,omitempty"`
	Credentials             Credentials `json:"credentials,omitempty"`
	Reason                  string      `json:"reason,omitempty"`
	Score                   string      `json:"score,omitempty"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
	CompletedAt             *time.Time  `json:"completed_at,omitempty"`
}

// TransitionTo moves the task along its lifecycle. A completed task is left
// untouched and reported as a no-op so stop requests stay idempotent.
func (t *Task) TransitionTo(to TaskStatus, now time.Time) (bool, error) {
	if t.Status == to {
		return false, nil
	}
	if t.Status == TaskCompleted {
		return false, nil
	}
	if !CanTransitionTask(t.Status, to) {
		return false, fmt.Errorf("task %s %s -> %s: %w", t.TaskID, t.Status, to, ErrInvalidTransition)
	}
	t.Status = to
	t.UpdatedAt = now
	if to.Terminal() {
		done := now
		t.CompletedAt = &done
	}
	return true, nil
}

// Remaining is the number of conversations that may still be started.
func (t *Task) Remaining() int {
	n := t.MaxConversations - (t.CompletedConversations + t.InFlightConversations)
	if n < 0 {
		return 0
	}
	return n
}

// Spare is the concurrency headroom left under ConcurrentConversations.
func (t *Task) Spare() int {
	n := t.ConcurrentConversations - t.InFlightConversations
	if n < 0 {
		return 0
	}
	return n
}

// StripCredentials drops embedded secrets before the record is persisted.
func (t *Task) StripCredentials() {
	t.Credentials = Credentials{}
}

// Pick returns the scenario, persona and identity for the n-th conversation,
// cycling through each list independently.
func (t *Task) Pick(n int) (Scenario, Persona, Identity) {
	var s Scenario
	var p Persona
	var id Identity
	if n < 0 {
		n = 0
	}
	if len(t.Scenarios) > 0 {
		s = t.Scenarios[n%len(t.Scenarios)]
	}
	if len(t.Personas) > 0 {
		p = t.Personas[n%len(t.Personas)]
	}
	if len(t.Identities) > 0 {
		id = t.Identities[n%len(t.Identities)]
	}
	return s, p, id
}
