// Package tasks owns the task rows and their recurrence rules. Every
// mutation returns the snapshot the caller hands to the lifecycle publisher,
// taken inside the same transaction as the write it describes.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/recurrence"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
)

const taskColumns = `id, user_id, category_id, title, description, is_complete, priority, due_date, created_at, updated_at`

const ruleColumns = `id, task_id, frequency, interval, cron_expression, next_due_at, is_active, created_at, updated_at`

type Service struct {
	db *database.DB
}

func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// CreateTaskInput carries the fields a caller may set on a new task.
type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CategoryID  *string    `json:"category_id,omitempty"`
}

// UpdateTaskInput carries the fields a caller may change. Nil means keep the
// stored value.
type UpdateTaskInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CategoryID  *string    `json:"category_id,omitempty"`
}

// RecurrenceInput configures a task's recurrence rule. Interval defaults
// to 1; CronExpression is only allowed with the custom frequency.
type RecurrenceInput struct {
	Frequency      string `json:"frequency"`
	Interval       int    `json:"interval,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
}

func (s *Service) CreateTask(ctx context.Context, userID string, in CreateTaskInput) (*database.Task, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"operation": "create_task",
	})

	priority := database.Priority(in.Priority)
	if in.Priority == "" {
		priority = database.PriorityMedium
	}
	if err := validateTaskFields(in.Title, in.Description, priority); err != nil {
		return nil, err
	}
	if in.CategoryID != nil {
		if err := s.ensureCategoryOwned(ctx, userID, *in.CategoryID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	task := &database.Task{
		ID:          uuid.New().String(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		IsComplete:  false,
		Priority:    priority,
		DueDate:     in.DueDate,
		CategoryID:  in.CategoryID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO tasks (
			id, user_id, category_id, title, description,
			is_complete, priority, due_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := s.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.CategoryID, task.Title, task.Description,
		task.IsComplete, task.Priority, task.DueDate, task.CreatedAt, task.UpdatedAt,
	); err != nil {
		logger.WithError(err).Error("Failed to insert task")
		return nil, apperrors.NewDatabaseError("create task", err)
	}

	logger.WithField("task_id", task.ID).Info("Task created")
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, userID, taskID string) (*database.Task, error) {
	task, err := s.taskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, apperrors.NewAuthorizationError("task belongs to another user")
	}
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, in UpdateTaskInput) (*database.Task, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"task_id":   taskID,
		"operation": "update_task",
	})

	if in.Priority != nil && !database.Priority(*in.Priority).Valid() {
		return nil, apperrors.NewValidationError("priority", "must be one of low, medium, high, urgent")
	}
	if in.CategoryID != nil {
		if err := s.ensureCategoryOwned(ctx, userID, *in.CategoryID); err != nil {
			return nil, err
		}
	}

	var task *database.Task
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		t, err := taskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return apperrors.NewAuthorizationError("task belongs to another user")
		}

		if in.Title != nil {
			t.Title = *in.Title
		}
		if in.Description != nil {
			t.Description = in.Description
		}
		if in.Priority != nil {
			t.Priority = database.Priority(*in.Priority)
		}
		if in.DueDate != nil {
			t.DueDate = in.DueDate
		}
		if in.CategoryID != nil {
			t.CategoryID = in.CategoryID
		}
		if err := validateTaskFields(t.Title, t.Description, t.Priority); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()

		query := `
			UPDATE tasks
			SET title = $1, description = $2, priority = $3, due_date = $4,
			    category_id = $5, updated_at = $6
			WHERE id = $7
		`
		if _, err := tx.ExecContext(ctx, query,
			t.Title, t.Description, t.Priority, t.DueDate,
			t.CategoryID, t.UpdatedAt, t.ID,
		); err != nil {
			return apperrors.NewDatabaseError("update task", err)
		}
		task = t
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Task update rejected")
		return nil, err
	}

	logger.Info("Task updated")
	return task, nil
}

// CompleteTask flips is_complete. The returned bool reports whether this call
// made the transition; completing an already complete task is a no-op.
func (s *Service) CompleteTask(ctx context.Context, userID, taskID string) (*database.Task, bool, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"task_id":   taskID,
		"operation": "complete_task",
	})

	var task *database.Task
	var changed bool
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		t, err := taskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return apperrors.NewAuthorizationError("task belongs to another user")
		}
		if t.IsComplete {
			task = t
			return nil
		}

		t.IsComplete = true
		t.UpdatedAt = time.Now().UTC()
		query := `UPDATE tasks SET is_complete = TRUE, updated_at = $1 WHERE id = $2`
		if _, err := tx.ExecContext(ctx, query, t.UpdatedAt, t.ID); err != nil {
			return apperrors.NewDatabaseError("complete task", err)
		}
		task = t
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		logger.Info("Task completed")
	} else {
		logger.Debug("Task already complete")
	}
	return task, changed, nil
}

// DeleteTask removes the task and its reminders and recurrence rule in one
// transaction, returning the last snapshot for the deletion event.
func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) (*database.Task, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"task_id":   taskID,
		"operation": "delete_task",
	})

	var task *database.Task
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		t, err := taskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return apperrors.NewAuthorizationError("task belongs to another user")
		}

		for _, query := range []string{
			`DELETE FROM reminders WHERE task_id = $1`,
			`DELETE FROM recurrence_rules WHERE task_id = $1`,
			`DELETE FROM tasks WHERE id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, query, taskID); err != nil {
				return apperrors.NewDatabaseError("delete task", err)
			}
		}
		task = t
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Task delete rejected")
		return nil, err
	}

	logger.Info("Task deleted")
	return task, nil
}

// CreateRecurrenceRule attaches a recurrence rule to a task the caller owns.
// The initial next_due_at is computed from the creation time.
func (s *Service) CreateRecurrenceRule(ctx context.Context, userID, taskID string, in RecurrenceInput) (*database.RecurrenceRule, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"task_id":   taskID,
		"operation": "create_recurrence_rule",
	})

	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return nil, err
	}

	interval := in.Interval
	if interval == 0 {
		interval = 1
	}
	spec := recurrence.Rule{
		Frequency:      in.Frequency,
		Interval:       interval,
		CronExpression: in.CronExpression,
	}
	if err := recurrence.ValidateRule(spec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next, err := recurrence.Next(spec, now)
	if err != nil {
		return nil, err
	}

	rule := &database.RecurrenceRule{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Frequency: database.Frequency(in.Frequency),
		Interval:  interval,
		NextDueAt: &next,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.CronExpression != "" {
		rule.CronExpression = &in.CronExpression
	}

	query := `
		INSERT INTO recurrence_rules (
			id, task_id, frequency, interval, cron_expression,
			next_due_at, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.TaskID, rule.Frequency, rule.Interval, rule.CronExpression,
		rule.NextDueAt, rule.IsActive, rule.CreatedAt, rule.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewConflictError("task already has a recurrence rule")
		}
		logger.WithError(err).Error("Failed to insert recurrence rule")
		return nil, apperrors.NewDatabaseError("create recurrence rule", err)
	}

	logger.WithFields(map[string]interface{}{
		"rule_id":     rule.ID,
		"frequency":   rule.Frequency,
		"next_due_at": next,
	}).Info("Recurrence rule created")
	return rule, nil
}

func (s *Service) GetRecurrenceRule(ctx context.Context, userID, taskID string) (*database.RecurrenceRule, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.RuleByTaskID(ctx, taskID)
}

// RuleByTaskID loads a rule without an ownership filter; worker paths trust
// the event they were handed.
func (s *Service) RuleByTaskID(ctx context.Context, taskID string) (*database.RecurrenceRule, error) {
	rule := &database.RecurrenceRule{}
	query := `SELECT ` + ruleColumns + ` FROM recurrence_rules WHERE task_id = $1`
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&rule.ID, &rule.TaskID, &rule.Frequency, &rule.Interval, &rule.CronExpression,
		&rule.NextDueAt, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("recurrence rule")
		}
		return nil, apperrors.NewDatabaseError("get recurrence rule", err)
	}
	return rule, nil
}

// SpawnNextOccurrence inserts the follow-up task for a completed recurring
// task and advances the rule's next_due_at, atomically. The new task copies
// title, description, priority and user_id from the completed snapshot and
// starts incomplete with fresh timestamps.
func (s *Service) SpawnNextOccurrence(ctx context.Context, rule *database.RecurrenceRule, source events.TaskData, nextDueAt time.Time) (*database.Task, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"task_id":   source.ID,
		"rule_id":   rule.ID,
		"operation": "spawn_next_occurrence",
	})

	now := time.Now().UTC()
	task := &database.Task{
		ID:          uuid.New().String(),
		UserID:      source.UserID,
		Title:       source.Title,
		Description: source.Description,
		IsComplete:  false,
		Priority:    database.Priority(source.Priority),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !task.Priority.Valid() {
		task.Priority = database.PriorityMedium
	}

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		insert := `
			INSERT INTO tasks (
				id, user_id, category_id, title, description,
				is_complete, priority, due_date, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		if _, err := tx.ExecContext(ctx, insert,
			task.ID, task.UserID, task.CategoryID, task.Title, task.Description,
			task.IsComplete, task.Priority, task.DueDate, task.CreatedAt, task.UpdatedAt,
		); err != nil {
			return apperrors.NewDatabaseError("insert next occurrence", err)
		}

		update := `UPDATE recurrence_rules SET next_due_at = $1, updated_at = $2 WHERE id = $3`
		if _, err := tx.ExecContext(ctx, update, nextDueAt, now, rule.ID); err != nil {
			return apperrors.NewDatabaseError("advance recurrence rule", err)
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("Failed to spawn next occurrence")
		return nil, err
	}

	rule.NextDueAt = &nextDueAt
	rule.UpdatedAt = now

	logger.WithFields(map[string]interface{}{
		"new_task_id": task.ID,
		"next_due_at": nextDueAt,
	}).Info("Spawned next occurrence")
	return task, nil
}

func (s *Service) taskByID(ctx context.Context, taskID string) (*database.Task, error) {
	task := &database.Task{}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&task.ID, &task.UserID, &task.CategoryID, &task.Title, &task.Description,
		&task.IsComplete, &task.Priority, &task.DueDate, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("task")
		}
		return nil, apperrors.NewDatabaseError("get task", err)
	}
	return task, nil
}

func taskForUpdate(ctx context.Context, tx *sql.Tx, taskID string) (*database.Task, error) {
	task := &database.Task{}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	err := tx.QueryRowContext(ctx, query, taskID).Scan(
		&task.ID, &task.UserID, &task.CategoryID, &task.Title, &task.Description,
		&task.IsComplete, &task.Priority, &task.DueDate, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("task")
		}
		return nil, apperrors.NewDatabaseError("lock task", err)
	}
	return task, nil
}

func (s *Service) ensureCategoryOwned(ctx context.Context, userID, categoryID string) error {
	var owner string
	query := `SELECT user_id FROM task_categories WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, categoryID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFoundError("category")
		}
		return apperrors.NewDatabaseError("get category", err)
	}
	if owner != userID {
		return apperrors.NewAuthorizationError("category belongs to another user")
	}
	return nil
}

func validateTaskFields(title string, description *string, priority database.Priority) error {
	if trimmed := strings.TrimSpace(title); trimmed == "" || len(title) > maxTitleLen {
		return apperrors.NewValidationError("title", fmt.Sprintf("must be 1-%d characters", maxTitleLen))
	}
	if description != nil && len(*description) > maxDescriptionLen {
		return apperrors.NewValidationError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	if !priority.Valid() {
		return apperrors.NewValidationError("priority", "must be one of low, medium, high, urgent")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
