package database

import (
	"time"

	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/recurrence"
)

// Priority levels a task can carry.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Frequency values a recurrence rule supports.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// NotificationType is the delivery channel of a reminder.
type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationPush  NotificationType = "push"
	NotificationInApp NotificationType = "in_app"
)

func (n NotificationType) Valid() bool {
	switch n {
	case NotificationEmail, NotificationPush, NotificationInApp:
		return true
	}
	return false
}

// Task is one row in tasks. Tasks belong to exactly one user and are mutable
// only through the API.
type Task struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	Title       string     `json:"title" db:"title"`
	Description *string    `json:"description" db:"description"`
	IsComplete  bool       `json:"is_complete" db:"is_complete"`
	Priority    Priority   `json:"priority" db:"priority"`
	DueDate     *time.Time `json:"due_date" db:"due_date"`
	CategoryID  *string    `json:"category_id" db:"category_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Snapshot converts the row to the wire payload carried by task events.
func (t *Task) Snapshot() events.TaskData {
	return events.TaskData{
		ID:          t.ID,
		UserID:      t.UserID,
		Title:       t.Title,
		Description: t.Description,
		IsComplete:  t.IsComplete,
		Priority:    string(t.Priority),
		DueDate:     t.DueDate,
		CategoryID:  t.CategoryID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// RecurrenceRule is one row in recurrence_rules. At most one rule exists per
// task (unique task_id).
type RecurrenceRule struct {
	ID             string     `json:"id" db:"id"`
	TaskID         string     `json:"task_id" db:"task_id"`
	Frequency      Frequency  `json:"frequency" db:"frequency"`
	Interval       int        `json:"interval" db:"interval"`
	CronExpression *string    `json:"cron_expression" db:"cron_expression"`
	NextDueAt      *time.Time `json:"next_due_at" db:"next_due_at"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Spec converts the row into the form the recurrence engine evaluates.
func (r *RecurrenceRule) Spec() recurrence.Rule {
	spec := recurrence.Rule{
		Frequency: string(r.Frequency),
		Interval:  r.Interval,
	}
	if r.CronExpression != nil {
		spec.CronExpression = *r.CronExpression
	}
	return spec
}

// Reminder is one row in reminders. A reminder transitions pending → sent
// exactly once and is never resurrected.
type Reminder struct {
	ID               string           `json:"id" db:"id"`
	TaskID           string           `json:"task_id" db:"task_id"`
	RemindAt         time.Time        `json:"remind_at" db:"remind_at"`
	NotificationType NotificationType `json:"notification_type" db:"notification_type"`
	IsSent           bool             `json:"is_sent" db:"is_sent"`
	SentAt           *time.Time       `json:"sent_at" db:"sent_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// TaskCategory is one row in task_categories, scoped to a user.
type TaskCategory struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Color     string    `json:"color" db:"color"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
