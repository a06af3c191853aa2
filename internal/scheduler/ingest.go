package scheduler

import (
	"context"
	"fmt"

	"github.com/example/convsim/internal/model"
)

// IngestAgentMessage buffers an agent message for the responder and arms the
// response deadline after a jittered warm-up delay. The closed sentinel ends
// the conversation instead.
func (e *Engine) IngestAgentMessage(ctx context.Context, conversationID, text, dialogStage string) (model.Conversation, error) {
	if text == "" {
		return model.Conversation{}, &ValidationError{Field: "text", Reason: "required"}
	}
	if dialogStage != model.DialogStageMain && dialogStage != model.DialogStagePostSurvey {
		return model.Conversation{}, &ValidationError{Field: "dialog_stage", Reason: fmt.Sprintf("unknown stage %q", dialogStage)}
	}
	closeAfter := false
	conv, err := e.UpdateConversation(ctx, conversationID, func(c *model.Conversation) error {
		if !c.Open() {
			return nil
		}
		c.RecordAgentTurn(text, dialogStage, e.now(), e.warmUpDelay())
		closeAfter = text == model.ClosedSentinel
		return nil
	})
	if err != nil {
		return model.Conversation{}, err
	}
	if closeAfter {
		if err := e.CloseConversation(ctx, conversationID, "platform_closed"); err != nil {
			return conv, err
		}
		return e.GetConversation(ctx, conversationID)
	}
	return conv, nil
}
