// Package derived projects task lifecycle events into the state store: a
// fresh snapshot per task, a completion marker, and an audit entry for every
// event. The database stays authoritative; these keys are a write-through
// cache readers may miss on.
package derived

import (
	"context"
	"strings"

	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/state"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Audit carries audit entries onto audit-logs. Satisfied by
// publisher.Publisher.
type Audit interface {
	EnqueueAudit(entry *events.AuditEntry)
}

type Handler struct {
	state *state.Service
	audit Audit
}

func NewHandler(st *state.Service, audit Audit) *Handler {
	return &Handler{state: st, audit: audit}
}

// HandleTaskEvent applies one task event to the cache, then records the
// audit entry. Cache writes come first: an audit entry is only enqueued for
// deliveries that will be acked.
func (h *Handler) HandleTaskEvent(ctx context.Context, event *events.TaskEvent) error {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"task_id":    event.TaskID,
		"event_type": event.EventType,
		"operation":  "derive_state",
	})

	switch event.EventType {
	case events.TypeTaskCreated, events.TypeTaskUpdated:
		if err := h.state.SetTaskSnapshot(ctx, event.TaskData); err != nil {
			return err
		}

	case events.TypeTaskCompleted:
		if err := h.state.SetTaskSnapshot(ctx, event.TaskData); err != nil {
			return err
		}
		if err := h.state.SetCompletion(ctx, event.TaskID, event.UserID, event.Timestamp); err != nil {
			return err
		}

	case events.TypeTaskDeleted:
		if err := h.state.DeleteTaskSnapshot(ctx, event.TaskID); err != nil {
			return err
		}
		if err := h.state.DeleteCompletion(ctx, event.TaskID); err != nil {
			return err
		}
		// The rule cache would otherwise outlive the task; it has no TTL.
		if err := h.state.DeleteRuleSnapshot(ctx, event.TaskID); err != nil {
			return err
		}

	default:
		return apperrors.NewBadEventError("unknown task event type: "+event.EventType, nil)
	}

	action := strings.TrimPrefix(event.EventType, "task.")
	h.audit.EnqueueAudit(events.NewAuditEntry("task", event.TaskID, event.UserID, action, nil))

	logger.Debug("Derived state updated")
	return nil
}
