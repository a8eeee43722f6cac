// Package interfaces holds the service contracts the HTTP layer consumes,
// so handlers can be tested against fakes instead of a live database.
package interfaces

import (
	"context"
	"time"

	"github.com/taskloop/taskloop/internal/database"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/tasks"
)

// TaskServiceInterface defines task and recurrence rule operations. Every
// mutation returns the snapshot taken inside the mutating transaction.
type TaskServiceInterface interface {
	CreateTask(ctx context.Context, userID string, in tasks.CreateTaskInput) (*database.Task, error)
	GetTask(ctx context.Context, userID, taskID string) (*database.Task, error)
	UpdateTask(ctx context.Context, userID, taskID string, in tasks.UpdateTaskInput) (*database.Task, error)
	CompleteTask(ctx context.Context, userID, taskID string) (*database.Task, bool, error)
	DeleteTask(ctx context.Context, userID, taskID string) (*database.Task, error)
	CreateRecurrenceRule(ctx context.Context, userID, taskID string, in tasks.RecurrenceInput) (*database.RecurrenceRule, error)
	GetRecurrenceRule(ctx context.Context, userID, taskID string) (*database.RecurrenceRule, error)
}

// SchedulerServiceInterface defines reminder scheduling operations.
type SchedulerServiceInterface interface {
	Schedule(ctx context.Context, userID, taskID string, remindAt time.Time, notificationType string) (*database.Reminder, error)
	Cancel(ctx context.Context, userID, reminderID string) error
	ListForTask(ctx context.Context, userID, taskID string) ([]database.Reminder, error)
}

// LifecyclePublisherInterface receives post-commit snapshots for event
// fan-out. Implementations never block the caller.
type LifecyclePublisherInterface interface {
	EnqueueCreated(task events.TaskData)
	EnqueueUpdated(task events.TaskData)
	EnqueueCompleted(task events.TaskData)
	EnqueueDeleted(task events.TaskData)
}
