package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/convsim/internal/model"
)

type MemoryStore struct {
	mu            sync.Mutex
	tasks         map[string]model.Task
	conversations map[string]model.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         make(map[string]model.Task),
		conversations: make(map[string]model.Conversation),
	}
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return model.Task{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (m *MemoryStore) PutTask(_ context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	m.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrNotFound)
	}
	m.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) ListRunningTasks(_ context.Context, accountID string) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Task, 0)
	for _, t := range m.tasks {
		if !t.Status.Running() {
			continue
		}
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, conversationID string) (model.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.Conversation{}, false, nil
	}
	return cloneConversation(c), true, nil
}

func (m *MemoryStore) PutConversation(_ context.Context, conv model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	m.conversations[conv.ConversationID] = cloneConversation(conv)
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, conv model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conv.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conv.ConversationID, ErrNotFound)
	}
	m.conversations[conv.ConversationID] = cloneConversation(conv)
	return nil
}

func (m *MemoryStore) ListConversationsByTask(_ context.Context, taskID string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Conversation, 0)
	for _, c := range m.conversations {
		if c.TaskID == taskID {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneTask(t model.Task) model.Task {
	t.Scenarios = append([]model.Scenario(nil), t.Scenarios...)
	t.Personas = append([]model.Persona(nil), t.Personas...)
	t.Identities = append([]model.Identity(nil), t.Identities...)
	return t
}

func cloneConversation(c model.Conversation) model.Conversation {
	c.LastTurnText = append([]string(nil), c.LastTurnText...)
	c.Transcript = append([]model.Turn(nil), c.Transcript...)
	return c
}
