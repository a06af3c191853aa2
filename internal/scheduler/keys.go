package scheduler

import "github.com/example/convsim/internal/lock"

const (
	taskPrefix         = "task:"
	conversationPrefix = "conversation:"
	runningPrefix      = "running_task:"
)

func taskKey(taskID string) string { return taskPrefix + taskID }

func conversationKey(conversationID string) string { return conversationPrefix + conversationID }

// runningTaskKey points at the task a user currently runs in an account.
func runningTaskKey(accountID, userID string) string {
	return runningPrefix + accountID + ":" + userID
}

func inFlightKey(taskID string) string  { return "counter:inflight:" + taskID }
func completedKey(taskID string) string { return "counter:completed:" + taskID }

func admitLockKey(accountID string) string { return lock.LockKey("admit:" + accountID) }
func taskLockKey(taskID string) string     { return lock.LockKey(taskKey(taskID)) }
func conversationLockKey(conversationID string) string {
	return lock.LockKey(conversationKey(conversationID))
}
