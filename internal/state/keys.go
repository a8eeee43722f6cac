package state

import "time"

// Retention applied to each key family. TTLs bound staleness; the database
// stays authoritative for anything that outlives them. Rule snapshots carry
// no TTL: the recurring worker rewrites them on every spawn.
const (
	TaskSnapshotTTL  = time.Hour
	CompletionTTL    = 24 * time.Hour
	RuleSnapshotTTL  = time.Duration(0)
	ProcessingTTL    = time.Hour
	DeliveryStateTTL = 24 * time.Hour
	InAppTTL         = 7 * 24 * time.Hour
	SessionTTL       = 24 * time.Hour
)

// TaskKey addresses the cached snapshot of a task.
func TaskKey(taskID string) string {
	return "task:" + taskID
}

// TaskCompletedKey addresses the completion marker for a task.
func TaskCompletedKey(taskID string) string {
	return "task:completed:" + taskID
}

// RuleKey addresses the cached recurrence rule for a task.
func RuleKey(taskID string) string {
	return "recurring:" + taskID
}

// ProcessingKey addresses the short-lived marker that dedupes recurring
// completion handling for a task.
func ProcessingKey(taskID string) string {
	return "recurring-processing:" + taskID
}

// DeliveryKey addresses the delivery state of a reminder notification.
func DeliveryKey(reminderID string) string {
	return "notification:" + reminderID
}

// InAppKey addresses one in-app notification in a user's inbox.
func InAppKey(userID, notificationID string) string {
	return "in-app-notification:" + userID + ":" + notificationID
}

// SessionKey addresses transient API session data.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// RateLimitKey addresses the request counter for a rate-limit scope.
func RateLimitKey(scope string) string {
	return "rate_limit:" + scope
}
