package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{TaskID: "t1", Status: TaskInProgress}

	changed, err := task.TransitionTo(TaskAnalyzing, now)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = task.TransitionTo(TaskCancelled, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	changed, err = task.TransitionTo(TaskCompleted, now)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, task.CompletedAt)

	// Completed tasks ignore later stop requests.
	changed, err = task.TransitionTo(TaskCancelled, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, TaskCompleted, task.Status)
}

func TestTaskQuotaHelpers(t *testing.T) {
	task := &Task{MaxConversations: 10, ConcurrentConversations: 4, CompletedConversations: 7, InFlightConversations: 2}
	assert.Equal(t, 1, task.Remaining())
	assert.Equal(t, 2, task.Spare())

	task.InFlightConversations = 5
	assert.Equal(t, 0, task.Remaining())
	assert.Equal(t, 0, task.Spare())
}

func TestTaskPickCycles(t *testing.T) {
	task := &Task{
		Scenarios:  []Scenario{{ID: "s1"}, {ID: "s2"}},
		Personas:   []Persona{{ID: "p1"}},
		Identities: []Identity{{CustomerID: "c1"}, {CustomerID: "c2"}, {CustomerID: "c3"}},
	}
	s, p, id := task.Pick(4)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "c2", id.CustomerID)
}

func TestStripCredentials(t *testing.T) {
	task := &Task{Credentials: Credentials{ClientID: "id", ClientSecret: "secret"}}
	task.StripCredentials()
	assert.True(t, task.Credentials.Empty())
}

func TestConversationEligibility(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{ConversationID: "c1", Status: ConversationOpen, State: StateActive}
	assert.False(t, c.Eligible(now))

	c.RecordAgentTurn("hello", DialogStageMain, now.Add(-2*time.Second), time.Second)
	assert.True(t, c.Eligible(now))
	assert.True(t, c.AwaitingResponse())

	c.PendingResponder = false
	assert.False(t, c.Eligible(now))

	c.PendingResponder = true
	c.Status = ConversationClose
	assert.False(t, c.Eligible(now))
}

func TestConversationSentinelIsNotAwaiting(t *testing.T) {
	now := time.Now()
	c := &Conversation{Status: ConversationOpen, State: StateActive}
	c.RecordAgentTurn(ClosedSentinel, DialogStageMain, now, 0)
	assert.False(t, c.AwaitingResponse())
}

func TestConversationConsumerTurnClearsBuffer(t *testing.T) {
	now := time.Now()
	c := &Conversation{Status: ConversationOpen, State: StateActive}
	c.RecordAgentTurn("a", DialogStageMain, now, 0)
	c.RecordAgentTurn("b", DialogStageMain, now, 0)
	c.RecordConsumerTurn("reply", now)

	assert.Empty(t, c.LastTurnText)
	assert.False(t, c.PendingResponder)
	assert.Nil(t, c.PendingResponseDeadline)
	assert.Equal(t, 1, c.Turns)
	assert.Len(t, c.Transcript, 3)
}

func TestConversationPostSurveyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{Status: ConversationOpen, State: StateActive}
	c.RecordAgentTurn("please rate us", DialogStagePostSurvey, now, 0)

	assert.False(t, c.PostSurveyExpired(now.Add(time.Minute), 2*time.Minute))
	assert.True(t, c.PostSurveyExpired(now.Add(3*time.Minute), 2*time.Minute))
}

func TestConversationStateMachine(t *testing.T) {
	now := time.Now()
	c := &Conversation{ConversationID: "c1", Status: ConversationOpen, State: StateActive}
	require.NoError(t, c.TransitionTo(StatePaused, now))
	require.NoError(t, c.TransitionTo(StateActive, now))

	assert.True(t, c.Close(now))
	assert.False(t, c.Close(now))
	assert.Equal(t, StateCompleted, c.State)

	err := c.TransitionTo(StateActive, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestPausedConversationIsNotEligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{ConversationID: "c1", Status: ConversationOpen, State: StateActive}
	c.RecordAgentTurn("Hello?", DialogStageMain, now, time.Second)
	later := now.Add(time.Minute)
	require.True(t, c.AwaitingResponse())
	require.True(t, c.Eligible(later))

	require.NoError(t, c.TransitionTo(StatePaused, now))
	assert.False(t, c.AwaitingResponse())
	assert.False(t, c.Eligible(later))

	require.NoError(t, c.TransitionTo(StateActive, now))
	assert.True(t, c.Eligible(later))
}

func TestEndMarker(t *testing.T) {
	text := "thanks, bye " + EndMarker
	assert.True(t, HasEndMarker(text))
	assert.Equal(t, "thanks, bye", StripEndMarker(text))
}

func TestConversationReplyToKeepsLateTurns(t *testing.T) {
	now := time.Now()
	c := &Conversation{Status: ConversationOpen, State: StateActive}
	c.RecordAgentTurn("a", DialogStageMain, now, 0)
	c.RecordAgentTurn("b", DialogStageMain, now, 0)

	c.ReplyTo(1, "reply to a", now)
	assert.Equal(t, []string{"b"}, c.LastTurnText)
	assert.True(t, c.PendingResponder)

	c.ReplyTo(5, "reply to b", now)
	assert.Empty(t, c.LastTurnText)
	assert.False(t, c.PendingResponder)
	assert.Equal(t, 2, c.Turns)
}
