// Package recurring turns completions of recurring tasks into their next
// occurrence. A processing marker in the state store dedupes broker
// redeliveries: once a completion is marked completed, retries become no-ops.
package recurring

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/recurrence"
	"github.com/taskloop/taskloop/internal/state"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// RuleStore is the slice of the task service the worker needs: rule lookup
// and the atomic spawn transaction.
type RuleStore interface {
	RuleByTaskID(ctx context.Context, taskID string) (*database.RecurrenceRule, error)
	SpawnNextOccurrence(ctx context.Context, rule *database.RecurrenceRule, source events.TaskData, nextDueAt time.Time) (*database.Task, error)
}

// Lifecycle announces the spawned task. Satisfied by publisher.Publisher.
type Lifecycle interface {
	EnqueueCreated(task events.TaskData)
}

type Handler struct {
	state *state.Service
	rules RuleStore
	pub   Lifecycle
	now   func() time.Time

	spawned atomic.Int64
}

func NewHandler(st *state.Service, rules RuleStore, pub Lifecycle) *Handler {
	return &Handler{
		state: st,
		rules: rules,
		pub:   pub,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleTaskEvent processes one task-events delivery. Every type except
// task.completed acks immediately.
func (h *Handler) HandleTaskEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.EventType != events.TypeTaskCompleted {
		return nil
	}

	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"task_id":   event.TaskID,
		"operation": "spawn_recurring",
	})

	current, err := h.state.GetProcessingState(ctx, event.TaskID)
	if err != nil {
		return err
	}
	if current != nil && current.Status == state.ProcessingStatusCompleted {
		logger.Debug("Completion already processed")
		return nil
	}

	started := h.now()
	if err := h.state.SetProcessingState(ctx, event.TaskID, state.ProcessingState{
		Status:    state.ProcessingStatusProcessing,
		StartedAt: started,
		UpdatedAt: started,
	}); err != nil {
		return err
	}

	nextTaskID, err := h.spawn(ctx, event, logger)
	if err != nil {
		h.markFailed(ctx, event.TaskID, started, err, logger)
		return err
	}

	marker := state.ProcessingState{
		Status:     state.ProcessingStatusCompleted,
		NextTaskID: nextTaskID,
		StartedAt:  started,
		UpdatedAt:  h.now(),
	}
	if err := h.state.SetProcessingState(ctx, event.TaskID, marker); err != nil {
		return err
	}
	if nextTaskID != "" {
		h.spawned.Add(1)
	}
	return nil
}

// spawn runs steps 3-8 and returns the new task id, or "" when the task has
// no active rule and there is nothing to do.
func (h *Handler) spawn(ctx context.Context, event *events.TaskEvent, logger *telemetry.ContextualLogger) (string, error) {
	rule, err := h.loadRule(ctx, event.TaskID)
	if err != nil {
		if apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) {
			logger.Debug("No recurrence rule, nothing to spawn")
			return "", nil
		}
		return "", err
	}
	if !rule.IsActive {
		logger.Debug("Recurrence rule inactive, nothing to spawn")
		return "", nil
	}

	nextDueAt, err := recurrence.Next(rule.Spec(), h.now())
	if err != nil {
		return "", err
	}

	newTask, err := h.rules.SpawnNextOccurrence(ctx, rule, event.TaskData, nextDueAt)
	if err != nil {
		return "", err
	}

	if err := h.state.SetRuleSnapshot(ctx, snapshotRule(rule)); err != nil {
		logger.WithError(err).Warn("Failed to refresh rule cache")
	}

	h.pub.EnqueueCreated(newTask.Snapshot())

	logger.WithFields(map[string]interface{}{
		"new_task_id": newTask.ID,
		"next_due_at": nextDueAt,
	}).Info("Recurring task spawned")
	return newTask.ID, nil
}

// loadRule prefers the recurring:<task_id> cache and falls back to the
// database, refilling the cache on the way out.
func (h *Handler) loadRule(ctx context.Context, taskID string) (*database.RecurrenceRule, error) {
	snap, err := h.state.GetRuleSnapshot(ctx, taskID)
	if err != nil {
		telemetry.GetContextualLogger(ctx).WithError(err).Warn("Rule cache read failed, using database")
	} else if snap != nil && snap.RuleID != "" {
		return ruleFromSnapshot(snap), nil
	}

	rule, err := h.rules.RuleByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cacheErr := h.state.SetRuleSnapshot(ctx, snapshotRule(rule)); cacheErr != nil {
		telemetry.GetContextualLogger(ctx).WithError(cacheErr).Warn("Failed to cache recurrence rule")
	}
	return rule, nil
}

func (h *Handler) markFailed(ctx context.Context, taskID string, started time.Time, cause error, logger *telemetry.ContextualLogger) {
	marker := state.ProcessingState{
		Status:       state.ProcessingStatusFailed,
		StartedAt:    started,
		UpdatedAt:    h.now(),
		ErrorMessage: cause.Error(),
	}
	if err := h.state.SetProcessingState(ctx, taskID, marker); err != nil {
		logger.WithError(err).Error("Failed to record failure marker")
	}
}

// Spawned reports how many next occurrences this handler created.
func (h *Handler) Spawned() int64 { return h.spawned.Load() }

func snapshotRule(rule *database.RecurrenceRule) state.RuleSnapshot {
	snap := state.RuleSnapshot{
		RuleID:    rule.ID,
		TaskID:    rule.TaskID,
		Frequency: string(rule.Frequency),
		Interval:  rule.Interval,
		NextDueAt: rule.NextDueAt,
		IsActive:  rule.IsActive,
	}
	if rule.CronExpression != nil {
		snap.CronExpression = *rule.CronExpression
	}
	return snap
}

func ruleFromSnapshot(snap *state.RuleSnapshot) *database.RecurrenceRule {
	rule := &database.RecurrenceRule{
		ID:        snap.RuleID,
		TaskID:    snap.TaskID,
		Frequency: database.Frequency(snap.Frequency),
		Interval:  snap.Interval,
		NextDueAt: snap.NextDueAt,
		IsActive:  snap.IsActive,
	}
	if snap.CronExpression != "" {
		expr := snap.CronExpression
		rule.CronExpression = &expr
	}
	return rule
}
