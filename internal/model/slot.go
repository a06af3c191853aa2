package model

import "time"

// Slot is one queued permission to start a conversation for a task.
type Slot struct {
	TaskID     string    `json:"task_id"`
	AccountID  string    `json:"account_id"`
	SlotID     string    `json:"slot_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
