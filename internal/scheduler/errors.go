package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("scheduler: task not found")
	ErrConversationNotFound = errors.New("scheduler: conversation not found")
)

// ValidationError rejects a malformed admission request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaError reports an admission refused by account limits or policy rules.
type QuotaError struct {
	ReasonCode string
	Rule       string
	Message    string
}

func (e *QuotaError) Error() string {
	if e.Message == "" {
		return "admission denied: " + e.ReasonCode
	}
	return fmt.Sprintf("admission denied: %s (%s)", e.ReasonCode, e.Message)
}
