// Package state is the durable record of tasks and conversations. The cache
// holds the working copy; the store is what survives a restart.
package state

import (
	"context"
	"errors"

	"github.com/example/convsim/internal/model"
)

var ErrNotFound = errors.New("state: record not found")

type Store interface {
	GetTask(ctx context.Context, taskID string) (model.Task, bool, error)
	// PutTask inserts or replaces the task.
	PutTask(ctx context.Context, task model.Task) error
	// UpdateTask replaces an existing task and fails with ErrNotFound otherwise.
	UpdateTask(ctx context.Context, task model.Task) error
	// ListRunningTasks returns IN_PROGRESS and ANALYZING tasks, optionally
	// limited to one account.
	ListRunningTasks(ctx context.Context, accountID string) ([]model.Task, error)

	GetConversation(ctx context.Context, conversationID string) (model.Conversation, bool, error)
	PutConversation(ctx context.Context, conv model.Conversation) error
	UpdateConversation(ctx context.Context, conv model.Conversation) error
	ListConversationsByTask(ctx context.Context, taskID string) ([]model.Conversation, error)

	Close() error
}
