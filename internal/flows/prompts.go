package flows

import (
	"fmt"
	"strings"

	"github.com/example/convsim/internal/model"
)

func scenarioFor(task *model.Task, id string) model.Scenario {
	for _, s := range task.Scenarios {
		if s.ID == id {
			return s
		}
	}
	if len(task.Scenarios) > 0 {
		return task.Scenarios[0]
	}
	return model.Scenario{}
}

func personaFor(task *model.Task, id string) model.Persona {
	for _, p := range task.Personas {
		if p.ID == id {
			return p
		}
	}
	if len(task.Personas) > 0 {
		return task.Personas[0]
	}
	return model.Persona{}
}

func consumerSystem(task *model.Task, conv *model.Conversation) string {
	s := scenarioFor(task, conv.ScenarioID)
	p := personaFor(task, conv.PersonaID)
	var b strings.Builder
	b.WriteString("You are a customer contacting support.\n")
	if p.Description != "" {
		fmt.Fprintf(&b, "Persona: %s\n", p.Description)
	}
	if s.Prompt != "" {
		fmt.Fprintf(&b, "Scenario: %s\n", s.Prompt)
	}
	fmt.Fprintf(&b, "Reply with one customer message. When your issue is resolved or the conversation should end, append %s.", model.EndMarker)
	return b.String()
}

// OpeningTurn asks for the first consumer message of a new conversation.
func OpeningTurn(task *model.Task, conv *model.Conversation) Request {
	return Request{
		System: consumerSystem(task, conv),
		Prompt: "Write the first message you send to the support agent.",
		Variables: map[string]string{
			"task_id":     task.TaskID,
			"scenario_id": conv.ScenarioID,
			"persona_id":  conv.PersonaID,
			"stage":       "opening",
		},
	}
}

// NextTurn asks for the reply to the buffered agent messages.
func NextTurn(task *model.Task, conv *model.Conversation) Request {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	b.WriteString(conv.TranscriptText())
	b.WriteString("\nThe agent just said:\n")
	b.WriteString(strings.Join(conv.LastTurnText, "\n"))
	b.WriteString("\n\nWrite your next message.")
	return Request{
		System: consumerSystem(task, conv),
		Prompt: b.String(),
		Variables: map[string]string{
			"task_id":         task.TaskID,
			"conversation_id": conv.ConversationID,
			"dialog_stage":    conv.DialogStage,
			"stage":           "reply",
		},
	}
}

// FallbackTurn is the neutral prompt used after a content policy rejection.
func FallbackTurn(task *model.Task, conv *model.Conversation) Request {
	return Request{
		System: "You are a polite customer talking to a support agent.",
		Prompt: "Reply briefly and neutrally to the agent's last message:\n" + strings.Join(conv.LastTurnText, "\n"),
		Variables: map[string]string{
			"task_id":         task.TaskID,
			"conversation_id": conv.ConversationID,
			"stage":           "fallback",
		},
	}
}

// Analysis asks the scoring flow to grade one transcript.
func Analysis(task *model.Task, conv *model.Conversation) Request {
	criteria := task.SuccessCriteria
	if criteria == "" {
		criteria = "The customer's issue was resolved politely and correctly."
	}
	return Request{
		System: "You grade customer support conversations. Answer with a short verdict and a score from 0 to 10.",
		Prompt: fmt.Sprintf("Success criteria:\n%s\n\nTranscript:\n%s", criteria, conv.TranscriptText()),
		Variables: map[string]string{
			"task_id":         task.TaskID,
			"conversation_id": conv.ConversationID,
			"stage":           "analysis",
		},
	}
}
