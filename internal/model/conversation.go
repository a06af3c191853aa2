package model

import (
	"fmt"
	"strings"
	"time"
)

type ConversationStatus string

const (
	ConversationOpen  ConversationStatus = "OPEN"
	ConversationClose ConversationStatus = "CLOSE"
)

type ConversationState string

const (
	StateActive    ConversationState = "ACTIVE"
	StatePaused    ConversationState = "PAUSED"
	StateCompleted ConversationState = "COMPLETED"
)

const (
	DialogStageMain       = ""
	DialogStagePostSurvey = "POST_SURVEY"

	// ClosedSentinel is what the platform sends as the last agent turn of a
	// conversation it closed on its own.
	ClosedSentinel = "__CONVERSATION_CLOSED__"
	// EndMarker in a generated consumer turn ends the conversation.
	EndMarker = "[END_CONVERSATION]"
)

var stateTransitions = map[ConversationState][]ConversationState{
	StateActive: {StatePaused, StateCompleted},
	StatePaused: {StateActive, StateCompleted},
}

func CanTransitionConversation(from, to ConversationState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleConsumer = "consumer"
	RoleAgent    = "agent"
)

type Conversation struct {
	ConversationID          string             `json:"conversation_id"`
	TaskID                  string             `json:"task_id"`
	AccountID               string             `json:"account_id"`
	Status                  ConversationStatus `json:"status"`
	State                   ConversationState  `json:"state"`
	DialogID                string             `json:"dialog_id,omitempty"`
	DialogStage             string             `json:"dialog_stage,omitempty"`
	PostSurveyStartedAt     *time.Time         `json:"post_survey_started_at,omitempty"`
	ConsumerToken           string             `json:"consumer_token,omitempty"`
	ScenarioID              string             `json:"scenario_id,omitempty"`
	PersonaID               string             `json:"persona_id,omitempty"`
	PendingResponder        bool               `json:"pending_responder"`
	PendingResponseDeadline *time.Time         `json:"pending_response_deadline,omitempty"`
	LastTurnText            []string           `json:"last_turn_text,omitempty"`
	Turns                   int                `json:"turns"`
	Strikes                 int                `json:"strikes"`
	Transcript              []Turn             `json:"transcript,omitempty"`
	Score                   string             `json:"score,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
	ClosedAt                *time.Time         `json:"closed_at,omitempty"`
}

func NewConversation(id string, task *Task, now time.Time) *Conversation {
	return &Conversation{
		ConversationID: id,
		TaskID:         task.TaskID,
		AccountID:      task.AccountID,
		Status:         ConversationOpen,
		State:          StateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *Conversation) Open() bool { return c.Status == ConversationOpen }

// Eligible reports whether the responder should advance the conversation now.
// Paused conversations are never eligible.
func (c *Conversation) Eligible(now time.Time) bool {
	if c.Status != ConversationOpen || c.State == StatePaused || !c.PendingResponder || c.PendingResponseDeadline == nil {
		return false
	}
	return !now.Before(*c.PendingResponseDeadline)
}

// AwaitingResponse is Eligible without the deadline check plus the buffer
// rules: something must be buffered and it must not be the closed sentinel.
func (c *Conversation) AwaitingResponse() bool {
	if c.State == StatePaused || !c.PendingResponder || c.PendingResponseDeadline == nil || len(c.LastTurnText) == 0 {
		return false
	}
	return c.LastTurnText[len(c.LastTurnText)-1] != ClosedSentinel
}

// PostSurveyExpired reports a post-survey wait older than timeout.
func (c *Conversation) PostSurveyExpired(now time.Time, timeout time.Duration) bool {
	if c.DialogStage != DialogStagePostSurvey || c.PostSurveyStartedAt == nil {
		return false
	}
	return now.Sub(*c.PostSurveyStartedAt) > timeout
}

// RecordAgentTurn buffers an agent message and arms the response deadline.
func (c *Conversation) RecordAgentTurn(text, dialogStage string, now time.Time, delay time.Duration) {
	c.LastTurnText = append(c.LastTurnText, text)
	c.Transcript = append(c.Transcript, Turn{Role: RoleAgent, Text: text, At: now})
	if dialogStage != c.DialogStage {
		c.DialogStage = dialogStage
		if dialogStage == DialogStagePostSurvey {
			started := now
			c.PostSurveyStartedAt = &started
		} else {
			c.PostSurveyStartedAt = nil
		}
	}
	deadline := now.Add(delay)
	c.PendingResponder = true
	c.PendingResponseDeadline = &deadline
	c.UpdatedAt = now
}

// RecordConsumerTurn clears the buffered agent turns after a reply was sent.
func (c *Conversation) RecordConsumerTurn(text string, now time.Time) {
	c.ReplyTo(len(c.LastTurnText), text, now)
}

// ReplyTo records a consumer reply to the first consumed buffered agent turns.
// Turns buffered after the reply was generated stay pending.
func (c *Conversation) ReplyTo(consumed int, text string, now time.Time) {
	c.Transcript = append(c.Transcript, Turn{Role: RoleConsumer, Text: text, At: now})
	c.Turns++
	if consumed > len(c.LastTurnText) {
		consumed = len(c.LastTurnText)
	}
	c.LastTurnText = c.LastTurnText[consumed:]
	if len(c.LastTurnText) == 0 {
		c.ClearPending(now)
		return
	}
	c.UpdatedAt = now
}

func (c *Conversation) ClearPending(now time.Time) {
	c.LastTurnText = nil
	c.PendingResponder = false
	c.PendingResponseDeadline = nil
	c.UpdatedAt = now
}

// TransitionTo moves the conversation between ACTIVE and PAUSED. COMPLETED is
// reached through Close and is final.
func (c *Conversation) TransitionTo(to ConversationState, now time.Time) error {
	if c.State == to {
		return nil
	}
	if !CanTransitionConversation(c.State, to) {
		return fmt.Errorf("conversation %s %s -> %s: %w", c.ConversationID, c.State, to, ErrInvalidTransition)
	}
	c.State = to
	c.UpdatedAt = now
	return nil
}

// Close marks the conversation closed. It reports false when it already was.
func (c *Conversation) Close(now time.Time) bool {
	if c.Status == ConversationClose {
		return false
	}
	c.Status = ConversationClose
	c.State = StateCompleted
	c.PendingResponder = false
	c.PendingResponseDeadline = nil
	closed := now
	c.ClosedAt = &closed
	c.UpdatedAt = now
	return true
}

// TranscriptText renders the transcript one "role: text" line per turn.
func (c *Conversation) TranscriptText() string {
	var b strings.Builder
	for _, t := range c.Transcript {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func HasEndMarker(text string) bool {
	return strings.Contains(text, EndMarker)
}

func StripEndMarker(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, EndMarker, ""))
}
