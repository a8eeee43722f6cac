// Package scheduler keeps reminder rows and turns the due ones into
// reminder.due events. Scheduling is an API concern; the sweep runs in the
// background and claims each due row exactly once.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const reminderColumns = `id, task_id, remind_at, notification_type, is_sent, sent_at, created_at`

type Service struct {
	db *database.DB
}

func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// Schedule inserts a pending reminder for a task the caller owns. remind_at
// must be strictly in the future.
func (s *Service) Schedule(ctx context.Context, userID, taskID string, remindAt time.Time, notificationType string) (*database.Reminder, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"task_id":   taskID,
		"operation": "schedule_reminder",
	})

	nt := database.NotificationType(notificationType)
	if !nt.Valid() {
		return nil, apperrors.NewValidationError("notification_type", "must be one of email, push, in_app")
	}
	now := time.Now().UTC()
	if !remindAt.After(now) {
		return nil, apperrors.NewValidationError("remind_at", "must be in the future")
	}
	if err := s.ensureTaskOwned(ctx, userID, taskID); err != nil {
		return nil, err
	}

	reminder := &database.Reminder{
		ID:               uuid.New().String(),
		TaskID:           taskID,
		RemindAt:         remindAt.UTC(),
		NotificationType: nt,
		IsSent:           false,
		CreatedAt:        now,
	}

	query := `
		INSERT INTO reminders (id, task_id, remind_at, notification_type, is_sent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query,
		reminder.ID, reminder.TaskID, reminder.RemindAt,
		reminder.NotificationType, reminder.IsSent, reminder.CreatedAt,
	); err != nil {
		logger.WithError(err).Error("Failed to insert reminder")
		return nil, apperrors.NewDatabaseError("schedule reminder", err)
	}

	logger.WithFields(map[string]interface{}{
		"reminder_id": reminder.ID,
		"remind_at":   reminder.RemindAt,
	}).Info("Reminder scheduled")
	return reminder, nil
}

// Cancel removes a reminder after checking the enclosing task belongs to the
// caller.
func (s *Service) Cancel(ctx context.Context, userID, reminderID string) error {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":     userID,
		"reminder_id": reminderID,
		"operation":   "cancel_reminder",
	})

	var owner string
	query := `
		SELECT t.user_id
		FROM reminders r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.id = $1
	`
	err := s.db.QueryRowContext(ctx, query, reminderID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFoundError("reminder")
		}
		return apperrors.NewDatabaseError("get reminder", err)
	}
	if owner != userID {
		return apperrors.NewAuthorizationError("reminder belongs to another user")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = $1`, reminderID); err != nil {
		logger.WithError(err).Error("Failed to delete reminder")
		return apperrors.NewDatabaseError("cancel reminder", err)
	}

	logger.Info("Reminder cancelled")
	return nil
}

// ListForTask returns a task's reminders ordered by remind_at.
func (s *Service) ListForTask(ctx context.Context, userID, taskID string) ([]database.Reminder, error) {
	if err := s.ensureTaskOwned(ctx, userID, taskID); err != nil {
		return nil, err
	}

	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE task_id = $1 ORDER BY remind_at`
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list reminders", err)
	}
	defer rows.Close()

	reminders := []database.Reminder{}
	for rows.Next() {
		var r database.Reminder
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.RemindAt, &r.NotificationType,
			&r.IsSent, &r.SentAt, &r.CreatedAt,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan reminder", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list reminders", err)
	}
	return reminders, nil
}

func (s *Service) ensureTaskOwned(ctx context.Context, userID, taskID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM tasks WHERE id = $1`, taskID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFoundError("task")
		}
		return apperrors.NewDatabaseError("get task", err)
	}
	if owner != userID {
		return apperrors.NewAuthorizationError("task belongs to another user")
	}
	return nil
}
