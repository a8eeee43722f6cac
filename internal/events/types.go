package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/taskloop/taskloop/internal/errors"
)

// Task lifecycle event types carried on task-events.
const (
	TypeTaskCreated   = "task.created"
	TypeTaskUpdated   = "task.updated"
	TypeTaskCompleted = "task.completed"
	TypeTaskDeleted   = "task.deleted"
)

// TypeReminderDue is the single event type carried on reminders.
const TypeReminderDue = "reminder.due"

// Notification channels a reminder can request.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelInApp = "in_app"
)

var validate = validator.New()

// TaskData is the full task snapshot embedded in every task event, taken
// inside the same transaction as the mutation it describes.
type TaskData struct {
	ID          string     `json:"id" validate:"required"`
	UserID      string     `json:"user_id" validate:"required"`
	Title       string     `json:"title" validate:"required"`
	Description *string    `json:"description,omitempty"`
	IsComplete  bool       `json:"is_complete"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CategoryID  *string    `json:"category_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskEvent is the payload for task.{created,updated,completed,deleted}.
type TaskEvent struct {
	EventType string            `json:"event_type" validate:"required,oneof=task.created task.updated task.completed task.deleted"`
	TaskID    string            `json:"task_id" validate:"required"`
	TaskData  TaskData          `json:"task_data"`
	UserID    string            `json:"user_id" validate:"required"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e *TaskEvent) EventKind() string { return e.EventType }

// PartitionKey returns the broker key giving per-task FIFO ordering.
func (e *TaskEvent) PartitionKey() string { return e.TaskID }

// NewTaskEvent builds a task event around a snapshot.
func NewTaskEvent(eventType string, task TaskData, metadata map[string]string) *TaskEvent {
	return &TaskEvent{
		EventType: eventType,
		TaskID:    task.ID,
		TaskData:  task,
		UserID:    task.UserID,
		Timestamp: Now(),
		Metadata:  metadata,
	}
}

// ReminderEvent is the payload for reminder.due on the reminders topic.
type ReminderEvent struct {
	ReminderID       string    `json:"reminder_id" validate:"required"`
	TaskID           string    `json:"task_id" validate:"required"`
	TaskTitle        string    `json:"task_title"`
	UserID           string    `json:"user_id" validate:"required"`
	RemindAt         time.Time `json:"remind_at"`
	NotificationType string    `json:"notification_type" validate:"required,oneof=email push in_app"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e *ReminderEvent) EventKind() string { return TypeReminderDue }

func (e *ReminderEvent) PartitionKey() string { return e.TaskID }

// AuditEntry is the payload carried on audit-logs. Event types follow
// audit.<resource>.<action>.
type AuditEntry struct {
	EventType    string                 `json:"event_type" validate:"required"`
	ResourceType string                 `json:"resource_type" validate:"required"`
	ResourceID   string                 `json:"resource_id" validate:"required"`
	UserID       string                 `json:"user_id,omitempty"`
	Action       string                 `json:"action" validate:"required"`
	Timestamp    time.Time              `json:"timestamp"`
	Changes      map[string]interface{} `json:"changes,omitempty"`
}

func (e *AuditEntry) EventKind() string { return e.EventType }

func (e *AuditEntry) PartitionKey() string { return e.ResourceID }

// NewAuditEntry builds an audit entry; the event type is derived from the
// resource and action.
func NewAuditEntry(resourceType, resourceID, userID, action string, changes map[string]interface{}) *AuditEntry {
	return &AuditEntry{
		EventType:    fmt.Sprintf("audit.%s.%s", resourceType, action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Action:       action,
		Timestamp:    Now(),
		Changes:      changes,
	}
}

// DecodeTaskEvent parses and validates a task event payload. Unknown fields
// are ignored; missing required fields are a BadEvent.
func DecodeTaskEvent(data []byte) (*TaskEvent, error) {
	var ev TaskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.NewBadEventError("task event parse failed", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, errors.NewBadEventError("task event failed validation", err)
	}
	return &ev, nil
}

// DecodeReminderEvent parses and validates a reminder event payload.
func DecodeReminderEvent(data []byte) (*ReminderEvent, error) {
	var ev ReminderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.NewBadEventError("reminder event parse failed", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, errors.NewBadEventError("reminder event failed validation", err)
	}
	return &ev, nil
}

// DecodeAuditEntry parses and validates an audit entry payload.
func DecodeAuditEntry(data []byte) (*AuditEntry, error) {
	var ev AuditEntry
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.NewBadEventError("audit entry parse failed", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, errors.NewBadEventError("audit entry failed validation", err)
	}
	return &ev, nil
}
