package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/state"
)

var frozenNow = time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)

type fakeSender struct {
	channel Channel
	result  SendResult

	mu    sync.Mutex
	calls []Delivery
}

func (f *fakeSender) Send(_ context.Context, delivery Delivery) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, delivery)
	return f.result
}

func (f *fakeSender) Channel() Channel { return f.channel }

func (f *fakeSender) sent() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.calls...)
}

func newTestHandler(t *testing.T, senders ...Sender) (*Handler, *state.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := state.NewService(state.NewRedisStoreFromClient(client))
	h := NewHandler(st, senders...)
	h.now = func() time.Time { return frozenNow }
	return h, st, mr
}

func dueEvent(notificationType string) *events.ReminderEvent {
	return &events.ReminderEvent{
		ReminderID:       "rem-1",
		TaskID:           "task-1",
		TaskTitle:        "Water the plants",
		UserID:           "user-1",
		RemindAt:         time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
		NotificationType: notificationType,
		Timestamp:        events.Now(),
	}
}

func TestHandleReminderEvent_EmailDelivered(t *testing.T) {
	email := &fakeSender{channel: ChannelEmail, result: SendResult{Success: true}}
	h, st, mr := newTestHandler(t, email)

	err := h.HandleReminderEvent(context.Background(), dueEvent("email"))
	require.NoError(t, err)

	calls := email.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "rem-1", calls[0].ReminderID)
	assert.Equal(t, "user-1", calls[0].UserID)
	assert.Equal(t, "Water the plants", calls[0].TaskTitle)
	assert.Contains(t, calls[0].Message, "Water the plants")

	ds, err := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, state.DeliveryStatusSent, ds.Status)
	assert.Equal(t, 1, ds.Attempts)
	assert.Equal(t, frozenNow, ds.LastAttempt)
	assert.Empty(t, ds.ErrorMessage)
	assert.Equal(t, state.DeliveryStateTTL, mr.TTL(state.DeliveryKey("rem-1")))
	assert.Equal(t, int64(1), h.Delivered())
}

func TestHandleReminderEvent_InAppLandsInInbox(t *testing.T) {
	h, st, mr := newTestHandler(t)

	err := h.HandleReminderEvent(context.Background(), dueEvent("in_app"))
	require.NoError(t, err)

	n, err := st.GetInAppNotification(context.Background(), "user-1", "rem-1")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "rem-1", n.ID)
	assert.Equal(t, "user-1", n.UserID)
	assert.Equal(t, "reminder", n.Type)
	assert.Equal(t, "Water the plants", n.Title)
	assert.Contains(t, n.Message, "Water the plants")
	assert.Equal(t, "task-1", n.TaskID)
	assert.Equal(t, frozenNow, n.CreatedAt)
	assert.False(t, n.IsRead)
	assert.Equal(t, state.InAppTTL, mr.TTL(state.InAppKey("user-1", "rem-1")))

	ds, err := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, state.DeliveryStatusSent, ds.Status)
}

func TestHandleReminderEvent_DuplicateDeliveryIsANoOp(t *testing.T) {
	email := &fakeSender{channel: ChannelEmail, result: SendResult{Success: true}}
	h, st, _ := newTestHandler(t, email)

	require.NoError(t, st.SetDeliveryState(context.Background(), state.DeliveryState{
		ReminderID:  "rem-1",
		Status:      state.DeliveryStatusSent,
		Attempts:    1,
		LastAttempt: frozenNow.Add(-time.Minute),
	}))

	err := h.HandleReminderEvent(context.Background(), dueEvent("email"))
	require.NoError(t, err)

	assert.Empty(t, email.sent())
	ds, err := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ds.Attempts)
	assert.Equal(t, int64(0), h.Delivered())
}

func TestHandleReminderEvent_FailedStateDoesNotDedup(t *testing.T) {
	email := &fakeSender{channel: ChannelEmail, result: SendResult{Success: true}}
	h, st, _ := newTestHandler(t, email)

	require.NoError(t, st.SetDeliveryState(context.Background(), state.DeliveryState{
		ReminderID:   "rem-1",
		Status:       state.DeliveryStatusFailed,
		Attempts:     2,
		LastAttempt:  frozenNow.Add(-time.Minute),
		ErrorMessage: "email provider returned 503",
	}))

	err := h.HandleReminderEvent(context.Background(), dueEvent("email"))
	require.NoError(t, err)

	assert.Len(t, email.sent(), 1)
	ds, err := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, err)
	assert.Equal(t, state.DeliveryStatusSent, ds.Status)
	assert.Equal(t, 3, ds.Attempts, "attempts keep counting across redeliveries")
	assert.Empty(t, ds.ErrorMessage)
}

func TestHandleReminderEvent_RetryableProviderFailure(t *testing.T) {
	email := &fakeSender{channel: ChannelEmail, result: SendResult{
		Err: errors.New("email provider returned 503: try later"),
	}}
	h, st, _ := newTestHandler(t, email)

	err := h.HandleReminderEvent(context.Background(), dueEvent("email"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "transient provider failures should be redelivered")

	ds, stateErr := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, stateErr)
	require.NotNil(t, ds)
	assert.Equal(t, state.DeliveryStatusFailed, ds.Status)
	assert.Equal(t, 1, ds.Attempts)
	assert.Contains(t, ds.ErrorMessage, "503")
	assert.Equal(t, int64(1), h.Failed())
}

func TestHandleReminderEvent_PermanentProviderFailure(t *testing.T) {
	push := &fakeSender{channel: ChannelPush, result: SendResult{
		Permanent: true,
		Err:       errors.New("push provider returned 401: bad key"),
	}}
	h, st, _ := newTestHandler(t, push)

	err := h.HandleReminderEvent(context.Background(), dueEvent("push"))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err), "a bad credential does not improve with retries")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeProvider))

	ds, stateErr := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, stateErr)
	assert.Equal(t, state.DeliveryStatusFailed, ds.Status)
	assert.Contains(t, ds.ErrorMessage, "401")
}

func TestHandleReminderEvent_UnknownTypeIsBadEvent(t *testing.T) {
	h, st, _ := newTestHandler(t)

	err := h.HandleReminderEvent(context.Background(), dueEvent("sms"))
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeBadEvent))
	assert.False(t, apperrors.IsRetryable(err))

	ds, stateErr := st.GetDeliveryState(context.Background(), "rem-1")
	require.NoError(t, stateErr)
	require.NotNil(t, ds)
	assert.Equal(t, state.DeliveryStatusFailed, ds.Status)
	assert.Contains(t, ds.ErrorMessage, "sms")
}

func TestHandleReminderEvent_StateStoreDownIsRetryable(t *testing.T) {
	email := &fakeSender{channel: ChannelEmail, result: SendResult{Success: true}}
	h, _, mr := newTestHandler(t, email)
	mr.Close()

	err := h.HandleReminderEvent(context.Background(), dueEvent("email"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Empty(t, email.sent(), "no send without a dedup check first")
}
