package consumer

import (
	"context"

	"github.com/taskloop/taskloop/internal/events"
)

// TaskEventHandler decodes a task lifecycle payload once and runs the typed
// handlers in order, stopping at the first error.
func TaskEventHandler(handlers ...func(ctx context.Context, event *events.TaskEvent) error) Handler {
	return func(ctx context.Context, env *events.Envelope) error {
		event, err := events.DecodeTaskEvent(env.Data)
		if err != nil {
			return err
		}
		for _, handle := range handlers {
			if err := handle(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}
}

// ReminderEventHandler decodes a reminder.due payload and runs the typed
// handlers in order.
func ReminderEventHandler(handlers ...func(ctx context.Context, event *events.ReminderEvent) error) Handler {
	return func(ctx context.Context, env *events.Envelope) error {
		event, err := events.DecodeReminderEvent(env.Data)
		if err != nil {
			return err
		}
		for _, handle := range handlers {
			if err := handle(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}
}

// AuditEntryHandler decodes an audit payload and runs the typed handlers in
// order.
func AuditEntryHandler(handlers ...func(ctx context.Context, entry *events.AuditEntry) error) Handler {
	return func(ctx context.Context, env *events.Envelope) error {
		entry, err := events.DecodeAuditEntry(env.Data)
		if err != nil {
			return err
		}
		for _, handle := range handlers {
			if err := handle(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	}
}
