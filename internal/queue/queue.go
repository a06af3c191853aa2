// Package queue keeps the deployment-wide FIFO of conversation slots. The whole
// list is one cache value rewritten under an advisory lock.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/model"
)

const DefaultKey = "queue:conversation_slots"

type Manager struct {
	cache  cache.KeyValueCache
	locker *lock.Locker
	key    string
	now    func() time.Time
}

func NewManager(c cache.KeyValueCache, locker *lock.Locker, key string) *Manager {
	if key == "" {
		key = DefaultKey
	}
	return &Manager{cache: c, locker: locker, key: key, now: time.Now}
}

// Enqueue appends count slots for the task to the tail.
func (m *Manager) Enqueue(ctx context.Context, taskID, accountID string, count int) ([]model.Slot, error) {
	if count <= 0 {
		return nil, nil
	}
	now := m.now().UTC()
	added := make([]model.Slot, 0, count)
	for i := 0; i < count; i++ {
		added = append(added, model.Slot{TaskID: taskID, AccountID: accountID, SlotID: uuid.NewString(), EnqueuedAt: now})
	}
	err := m.update(ctx, "enqueue", func(slots []model.Slot) ([]model.Slot, error) {
		return append(slots, added...), nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// DequeueOne removes the head slot. It returns nil when the queue is empty.
func (m *Manager) DequeueOne(ctx context.Context) (*model.Slot, error) {
	out, err := m.DequeueMany(ctx, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (m *Manager) DequeueMany(ctx context.Context, n int) ([]model.Slot, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []model.Slot
	err := m.update(ctx, "dequeue", func(slots []model.Slot) ([]model.Slot, error) {
		if n > len(slots) {
			n = len(slots)
		}
		out = append(out, slots[:n]...)
		return slots[n:], nil
	})
	return out, err
}

// DequeueForTask removes up to n of the earliest slots belonging to taskID,
// leaving every other slot in place.
func (m *Manager) DequeueForTask(ctx context.Context, taskID string, n int) ([]model.Slot, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []model.Slot
	err := m.update(ctx, "dequeue_task", func(slots []model.Slot) ([]model.Slot, error) {
		kept := slots[:0:0]
		for _, s := range slots {
			if s.TaskID == taskID && len(out) < n {
				out = append(out, s)
				continue
			}
			kept = append(kept, s)
		}
		return kept, nil
	})
	return out, err
}

// RequeueFront puts slot back at the head.
func (m *Manager) RequeueFront(ctx context.Context, slot model.Slot) error {
	return m.update(ctx, "requeue", func(slots []model.Slot) ([]model.Slot, error) {
		out := make([]model.Slot, 0, len(slots)+1)
		out = append(out, slot)
		return append(out, slots...), nil
	})
}

// RemoveTask drops every slot of taskID and reports how many were removed.
func (m *Manager) RemoveTask(ctx context.Context, taskID string) (int, error) {
	removed := 0
	err := m.update(ctx, "remove_task", func(slots []model.Slot) ([]model.Slot, error) {
		kept := slots[:0:0]
		for _, s := range slots {
			if s.TaskID == taskID {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		return kept, nil
	})
	return removed, err
}

// Peek returns up to n head slots without removing them. n <= 0 returns all.
func (m *Manager) Peek(ctx context.Context, n int) ([]model.Slot, error) {
	slots, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && n < len(slots) {
		slots = slots[:n]
	}
	return slots, nil
}

func (m *Manager) Len(ctx context.Context) (int, error) {
	slots, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(slots), nil
}

func (m *Manager) load(ctx context.Context) ([]model.Slot, error) {
	var slots []model.Slot
	if err := cache.GetJSON(ctx, m.cache, m.key, &slots); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	return slots, nil
}

func (m *Manager) update(ctx context.Context, op string, fn func([]model.Slot) ([]model.Slot, error)) error {
	err := m.locker.WithLock(ctx, lock.LockKey(m.key), func(ctx context.Context) error {
		slots, err := m.load(ctx)
		if err != nil {
			return err
		}
		next, err := fn(slots)
		if err != nil {
			return err
		}
		return cache.SetJSON(ctx, m.cache, m.key, next, 0)
	})
	if err != nil {
		return fmt.Errorf("queue: %s: %w", op, err)
	}
	return nil
}
