package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDelivery() Delivery {
	return Delivery{
		ReminderID: "rem-1",
		TaskID:     "task-1",
		UserID:     "user-1",
		TaskTitle:  "Water the plants",
		Message:    `Your task "Water the plants" was due`,
		RemindAt:   time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestEmailSender_Send(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewEmailSender(EmailSenderConfig{APIURL: srv.URL, APIKey: "email-key-123"})
	require.Equal(t, ChannelEmail, sender.Channel())

	result := sender.Send(context.Background(), sampleDelivery())

	assert.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.Equal(t, "Bearer email-key-123", gotAuth)
	assert.Equal(t, "user-1", gotBody["to_user"])
	assert.Equal(t, "Reminder: Water the plants", gotBody["subject"])
	assert.Equal(t, "task-1", gotBody["task_id"])
	assert.Equal(t, "reminders@taskloop.app", gotBody["from"])
}

func TestPushSender_Send(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewPushSender(PushSenderConfig{APIURL: srv.URL, APIKey: "push-key-456"})
	require.Equal(t, ChannelPush, sender.Channel())

	result := sender.Send(context.Background(), sampleDelivery())

	assert.True(t, result.Success)
	assert.Equal(t, "user-1", gotBody["to_user"])
	assert.Equal(t, "Reminder: Water the plants", gotBody["title"])
	assert.Equal(t, `Your task "Water the plants" was due`, gotBody["body"])
}

func TestSend_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "provider said no", tt.status)
			}))
			defer srv.Close()

			sender := NewEmailSender(EmailSenderConfig{APIURL: srv.URL, APIKey: "email-key-123"})
			result := sender.Send(context.Background(), sampleDelivery())

			assert.False(t, result.Success)
			assert.Equal(t, tt.permanent, result.Permanent)
			require.Error(t, result.Err)
			assert.Contains(t, result.Err.Error(), fmt.Sprintf("%d", tt.status))
		})
	}
}

func TestSend_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sender := NewPushSender(PushSenderConfig{APIURL: srv.URL, APIKey: "push-key-456", Timeout: time.Second})
	result := sender.Send(context.Background(), sampleDelivery())

	assert.False(t, result.Success)
	assert.False(t, result.Permanent)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "push-***", "error should carry the masked key")
	assert.NotContains(t, result.Err.Error(), "push-key-456")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "***", maskKey(""))
	assert.Equal(t, "***", maskKey("abcde"))
	assert.Equal(t, "secre***", maskKey("secret-key"))
}
