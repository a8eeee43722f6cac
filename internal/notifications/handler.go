package notifications

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/state"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Handler routes reminder.due events to the sender for their channel and
// records a delivery state per reminder. The state doubles as the dedup
// marker: a redelivery of an already-sent reminder is acked without a
// second send.
type Handler struct {
	state   *state.Service
	senders map[Channel]Sender
	now     func() time.Time

	delivered atomic.Int64
	failed    atomic.Int64
}

func NewHandler(st *state.Service, senders ...Sender) *Handler {
	byChannel := make(map[Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Handler{
		state:   st,
		senders: byChannel,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleReminderEvent delivers one reminder. Retryable failures return an
// error so the broker redelivers; permanent ones are recorded as failed and
// acked. A state write failure after a successful send still returns an
// error, so delivery is at-least-once.
func (h *Handler) HandleReminderEvent(ctx context.Context, event *events.ReminderEvent) error {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"reminder_id":       event.ReminderID,
		"task_id":           event.TaskID,
		"notification_type": event.NotificationType,
		"operation":         "handle_reminder_event",
	})

	prior, err := h.state.GetDeliveryState(ctx, event.ReminderID)
	if err != nil {
		return err
	}
	if prior != nil && prior.Status == state.DeliveryStatusSent {
		logger.Debug("Reminder already delivered, acking duplicate")
		return nil
	}

	sendErr := h.dispatch(ctx, event)

	ds := state.DeliveryState{
		ReminderID:  event.ReminderID,
		Status:      state.DeliveryStatusSent,
		Attempts:    1,
		LastAttempt: h.now(),
	}
	if prior != nil {
		ds.Attempts = prior.Attempts + 1
	}
	if sendErr != nil {
		ds.Status = state.DeliveryStatusFailed
		ds.ErrorMessage = sendErr.Error()
	}
	if err := h.state.SetDeliveryState(ctx, ds); err != nil {
		return err
	}

	if sendErr != nil {
		h.failed.Add(1)
		logger.WithFields(map[string]interface{}{
			"attempts":  ds.Attempts,
			"retryable": apperrors.IsRetryable(sendErr),
		}).WithError(sendErr).Warn("Reminder delivery failed")
		return sendErr
	}

	h.delivered.Add(1)
	logger.WithField("attempts", ds.Attempts).Info("Reminder delivered")
	return nil
}

func (h *Handler) dispatch(ctx context.Context, event *events.ReminderEvent) error {
	channel := Channel(event.NotificationType)
	if channel == ChannelInApp {
		return h.state.PutInAppNotification(ctx, state.InAppNotification{
			ID:        event.ReminderID,
			UserID:    event.UserID,
			Type:      "reminder",
			Title:     event.TaskTitle,
			Message:   reminderMessage(event),
			TaskID:    event.TaskID,
			CreatedAt: h.now(),
			IsRead:    false,
		})
	}

	sender, ok := h.senders[channel]
	if !ok {
		return apperrors.NewBadEventError("no sender configured for notification type: "+event.NotificationType, nil)
	}

	result := sender.Send(ctx, Delivery{
		ReminderID: event.ReminderID,
		TaskID:     event.TaskID,
		UserID:     event.UserID,
		TaskTitle:  event.TaskTitle,
		Message:    reminderMessage(event),
		RemindAt:   event.RemindAt,
	})
	if result.Success {
		return nil
	}
	return apperrors.NewProviderError(string(channel), "send reminder", result.Err, result.Permanent)
}

// Delivered reports reminders delivered since startup.
func (h *Handler) Delivered() int64 {
	return h.delivered.Load()
}

// Failed reports delivery attempts that ended in an error since startup.
func (h *Handler) Failed() int64 {
	return h.failed.Load()
}

func reminderMessage(event *events.ReminderEvent) string {
	return fmt.Sprintf("Your task %q was due at %s", event.TaskTitle, event.RemindAt.Format(time.RFC1123))
}
