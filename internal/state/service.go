package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Recurring completion processing statuses.
const (
	ProcessingStatusProcessing = "processing"
	ProcessingStatusCompleted  = "completed"
	ProcessingStatusFailed     = "failed"
)

// Notification delivery statuses.
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSent    = "sent"
	DeliveryStatusFailed  = "failed"
)

// CompletionRecord marks that a task was completed recently.
type CompletionRecord struct {
	CompletedAt time.Time `json:"completed_at"`
	UserID      string    `json:"user_id"`
}

// RuleSnapshot caches the recurrence configuration of a task.
type RuleSnapshot struct {
	RuleID         string     `json:"rule_id"`
	TaskID         string     `json:"task_id"`
	Frequency      string     `json:"frequency"`
	Interval       int        `json:"interval"`
	CronExpression string     `json:"cron_expression,omitempty"`
	NextDueAt      *time.Time `json:"next_due_at,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// ProcessingState records how far the recurring worker got with one
// completed task. Only a "completed" status short-circuits redeliveries;
// "processing" and "failed" let retries run again.
type ProcessingState struct {
	Status       string    `json:"status"`
	NextTaskID   string    `json:"next_task_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// DeliveryState tracks notification delivery for one reminder.
type DeliveryState struct {
	ReminderID   string    `json:"reminder_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastAttempt  time.Time `json:"last_attempt"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// InAppNotification is one entry in a user's in-app inbox.
type InAppNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// Session holds transient API session data.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	Data      map[string]string `json:"data,omitempty"`
}

// Service is the typed façade over the state store. Every method owns its
// key construction and TTL so callers never touch raw keys.
type Service struct {
	store Store
}

// NewService wraps a Store backend.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Ping reports backend reachability, for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.store.Close()
}

// Task snapshots

// SetTaskSnapshot caches the latest task payload for fast reads.
func (s *Service) SetTaskSnapshot(ctx context.Context, task events.TaskData) error {
	value, err := json.Marshal(task)
	if err != nil {
		return errors.NewInternalError("failed to marshal task snapshot", err)
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "set_task_snapshot",
		"task_id":   task.ID,
	}).Debug("Caching task snapshot")

	return s.store.Set(ctx, TaskKey(task.ID), value, TaskSnapshotTTL, "")
}

// GetTaskSnapshot returns the cached task payload, or nil on a miss.
// Callers fall through to the database when the cache misses.
func (s *Service) GetTaskSnapshot(ctx context.Context, taskID string) (*events.TaskData, error) {
	value, _, err := s.store.Get(ctx, TaskKey(taskID))
	if err != nil || value == nil {
		return nil, err
	}

	var task events.TaskData
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, errors.NewInternalError("failed to decode task snapshot", err)
	}
	return &task, nil
}

// DeleteTaskSnapshot drops the cached task payload.
func (s *Service) DeleteTaskSnapshot(ctx context.Context, taskID string) error {
	return s.store.Delete(ctx, TaskKey(taskID), "")
}

// Completion markers

// SetCompletion records a recent completion of taskID.
func (s *Service) SetCompletion(ctx context.Context, taskID, userID string, completedAt time.Time) error {
	value, err := json.Marshal(CompletionRecord{CompletedAt: completedAt, UserID: userID})
	if err != nil {
		return errors.NewInternalError("failed to marshal completion record", err)
	}
	return s.store.Set(ctx, TaskCompletedKey(taskID), value, CompletionTTL, "")
}

// GetCompletion returns the completion record for taskID, or nil.
func (s *Service) GetCompletion(ctx context.Context, taskID string) (*CompletionRecord, error) {
	value, _, err := s.store.Get(ctx, TaskCompletedKey(taskID))
	if err != nil || value == nil {
		return nil, err
	}

	var record CompletionRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, errors.NewInternalError("failed to decode completion record", err)
	}
	return &record, nil
}

// DeleteCompletion drops the completion record for taskID.
func (s *Service) DeleteCompletion(ctx context.Context, taskID string) error {
	return s.store.Delete(ctx, TaskCompletedKey(taskID), "")
}

// Recurrence rule cache

// SetRuleSnapshot caches the recurrence rule of a task.
func (s *Service) SetRuleSnapshot(ctx context.Context, rule RuleSnapshot) error {
	value, err := json.Marshal(rule)
	if err != nil {
		return errors.NewInternalError("failed to marshal rule snapshot", err)
	}
	return s.store.Set(ctx, RuleKey(rule.TaskID), value, RuleSnapshotTTL, "")
}

// GetRuleSnapshot returns the cached rule for taskID, or nil on a miss.
func (s *Service) GetRuleSnapshot(ctx context.Context, taskID string) (*RuleSnapshot, error) {
	value, _, err := s.store.Get(ctx, RuleKey(taskID))
	if err != nil || value == nil {
		return nil, err
	}

	var rule RuleSnapshot
	if err := json.Unmarshal(value, &rule); err != nil {
		return nil, errors.NewInternalError("failed to decode rule snapshot", err)
	}
	return &rule, nil
}

// DeleteRuleSnapshot drops the cached rule for taskID.
func (s *Service) DeleteRuleSnapshot(ctx context.Context, taskID string) error {
	return s.store.Delete(ctx, RuleKey(taskID), "")
}

// Recurring processing state

// GetProcessingState returns the recurring worker's progress record for a
// completed task, or nil when none exists (or it expired).
func (s *Service) GetProcessingState(ctx context.Context, taskID string) (*ProcessingState, error) {
	value, _, err := s.store.Get(ctx, ProcessingKey(taskID))
	if err != nil || value == nil {
		return nil, err
	}

	var ps ProcessingState
	if err := json.Unmarshal(value, &ps); err != nil {
		return nil, errors.NewInternalError("failed to decode processing state", err)
	}
	return &ps, nil
}

// SetProcessingState writes the recurring worker's progress record.
func (s *Service) SetProcessingState(ctx context.Context, taskID string, ps ProcessingState) error {
	value, err := json.Marshal(ps)
	if err != nil {
		return errors.NewInternalError("failed to marshal processing state", err)
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "set_processing_state",
		"task_id":   taskID,
		"status":    ps.Status,
	}).Debug("Writing recurring processing state")

	return s.store.Set(ctx, ProcessingKey(taskID), value, ProcessingTTL, "")
}

// Notification delivery state

// GetDeliveryState returns the delivery record for a reminder, or nil.
func (s *Service) GetDeliveryState(ctx context.Context, reminderID string) (*DeliveryState, error) {
	value, _, err := s.store.Get(ctx, DeliveryKey(reminderID))
	if err != nil || value == nil {
		return nil, err
	}

	var ds DeliveryState
	if err := json.Unmarshal(value, &ds); err != nil {
		return nil, errors.NewInternalError("failed to decode delivery state", err)
	}
	return &ds, nil
}

// SetDeliveryState writes the delivery record for a reminder.
func (s *Service) SetDeliveryState(ctx context.Context, ds DeliveryState) error {
	value, err := json.Marshal(ds)
	if err != nil {
		return errors.NewInternalError("failed to marshal delivery state", err)
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation":   "set_delivery_state",
		"reminder_id": ds.ReminderID,
		"status":      ds.Status,
		"attempts":    ds.Attempts,
	}).Debug("Writing notification delivery state")

	return s.store.Set(ctx, DeliveryKey(ds.ReminderID), value, DeliveryStateTTL, "")
}

// In-app notifications

// PutInAppNotification writes one inbox entry for a user.
func (s *Service) PutInAppNotification(ctx context.Context, n InAppNotification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return errors.NewInternalError("failed to marshal in-app notification", err)
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation":       "put_in_app_notification",
		"user_id":         n.UserID,
		"notification_id": n.ID,
	}).Debug("Writing in-app notification")

	return s.store.Set(ctx, InAppKey(n.UserID, n.ID), value, InAppTTL, "")
}

// GetInAppNotification returns one inbox entry, or nil on a miss.
func (s *Service) GetInAppNotification(ctx context.Context, userID, notificationID string) (*InAppNotification, error) {
	value, _, err := s.store.Get(ctx, InAppKey(userID, notificationID))
	if err != nil || value == nil {
		return nil, err
	}

	var n InAppNotification
	if err := json.Unmarshal(value, &n); err != nil {
		return nil, errors.NewInternalError("failed to decode in-app notification", err)
	}
	return &n, nil
}

// MarkInAppRead flips is_read on an inbox entry. The write is conditional on
// the etag read beforehand; a concurrent change triggers a re-read, and a
// missing entry returns NotFound.
func (s *Service) MarkInAppRead(ctx context.Context, userID, notificationID string) error {
	key := InAppKey(userID, notificationID)

	for attempt := 0; attempt < 3; attempt++ {
		value, etag, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if value == nil {
			return errors.NewNotFoundError("notification")
		}

		var n InAppNotification
		if err := json.Unmarshal(value, &n); err != nil {
			return errors.NewInternalError("failed to decode in-app notification", err)
		}
		if n.IsRead {
			return nil
		}
		n.IsRead = true

		next, err := json.Marshal(n)
		if err != nil {
			return errors.NewInternalError("failed to marshal in-app notification", err)
		}

		err = s.store.Set(ctx, key, next, InAppTTL, etag)
		if err == nil {
			return nil
		}
		if !errors.IsErrorType(err, errors.ErrorTypeConflict) {
			return err
		}
	}
	return errors.NewConflictError("notification changed concurrently: " + notificationID)
}

// Sessions

// PutSession stores transient session data.
func (s *Service) PutSession(ctx context.Context, session Session) error {
	value, err := json.Marshal(session)
	if err != nil {
		return errors.NewInternalError("failed to marshal session", err)
	}
	return s.store.Set(ctx, SessionKey(session.ID), value, SessionTTL, "")
}

// GetSession returns session data, or nil when expired or absent.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	value, _, err := s.store.Get(ctx, SessionKey(sessionID))
	if err != nil || value == nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(value, &session); err != nil {
		return nil, errors.NewInternalError("failed to decode session", err)
	}
	return &session, nil
}

// DeleteSession drops session data.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, SessionKey(sessionID), "")
}

// Rate limiting

// IncrementRateLimit bumps the request counter for scope within the given
// window and returns the running count. The count is approximate.
func (s *Service) IncrementRateLimit(ctx context.Context, scope string, window time.Duration) (int64, error) {
	return s.store.Increment(ctx, RateLimitKey(scope), window)
}
