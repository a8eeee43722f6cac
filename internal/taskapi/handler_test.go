package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/middleware"
	"github.com/taskloop/taskloop/internal/tasks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTaskService struct {
	task    *database.Task
	rule    *database.RecurrenceRule
	changed bool
	err     error

	calls     []string
	gotUserID string
	gotTaskID string
	gotCreate tasks.CreateTaskInput
	gotUpdate tasks.UpdateTaskInput
	gotRule   tasks.RecurrenceInput
}

func (f *fakeTaskService) CreateTask(_ context.Context, userID string, in tasks.CreateTaskInput) (*database.Task, error) {
	f.calls = append(f.calls, "CreateTask")
	f.gotUserID, f.gotCreate = userID, in
	return f.task, f.err
}

func (f *fakeTaskService) GetTask(_ context.Context, userID, taskID string) (*database.Task, error) {
	f.calls = append(f.calls, "GetTask")
	f.gotUserID, f.gotTaskID = userID, taskID
	return f.task, f.err
}

func (f *fakeTaskService) UpdateTask(_ context.Context, userID, taskID string, in tasks.UpdateTaskInput) (*database.Task, error) {
	f.calls = append(f.calls, "UpdateTask")
	f.gotUserID, f.gotTaskID, f.gotUpdate = userID, taskID, in
	return f.task, f.err
}

func (f *fakeTaskService) CompleteTask(_ context.Context, userID, taskID string) (*database.Task, bool, error) {
	f.calls = append(f.calls, "CompleteTask")
	f.gotUserID, f.gotTaskID = userID, taskID
	return f.task, f.changed, f.err
}

func (f *fakeTaskService) DeleteTask(_ context.Context, userID, taskID string) (*database.Task, error) {
	f.calls = append(f.calls, "DeleteTask")
	f.gotUserID, f.gotTaskID = userID, taskID
	return f.task, f.err
}

func (f *fakeTaskService) CreateRecurrenceRule(_ context.Context, userID, taskID string, in tasks.RecurrenceInput) (*database.RecurrenceRule, error) {
	f.calls = append(f.calls, "CreateRecurrenceRule")
	f.gotUserID, f.gotTaskID, f.gotRule = userID, taskID, in
	return f.rule, f.err
}

func (f *fakeTaskService) GetRecurrenceRule(_ context.Context, userID, taskID string) (*database.RecurrenceRule, error) {
	f.calls = append(f.calls, "GetRecurrenceRule")
	f.gotUserID, f.gotTaskID = userID, taskID
	return f.rule, f.err
}

type fakeScheduler struct {
	reminder  *database.Reminder
	reminders []database.Reminder
	err       error

	calls         []string
	gotUserID     string
	gotTaskID     string
	gotReminderID string
	gotRemindAt   time.Time
	gotType       string
}

func (f *fakeScheduler) Schedule(_ context.Context, userID, taskID string, remindAt time.Time, notificationType string) (*database.Reminder, error) {
	f.calls = append(f.calls, "Schedule")
	f.gotUserID, f.gotTaskID, f.gotRemindAt, f.gotType = userID, taskID, remindAt, notificationType
	return f.reminder, f.err
}

func (f *fakeScheduler) Cancel(_ context.Context, userID, reminderID string) error {
	f.calls = append(f.calls, "Cancel")
	f.gotUserID, f.gotReminderID = userID, reminderID
	return f.err
}

func (f *fakeScheduler) ListForTask(_ context.Context, userID, taskID string) ([]database.Reminder, error) {
	f.calls = append(f.calls, "ListForTask")
	f.gotUserID, f.gotTaskID = userID, taskID
	return f.reminders, f.err
}

type fakePublisher struct {
	created   []events.TaskData
	updated   []events.TaskData
	completed []events.TaskData
	deleted   []events.TaskData
}

func (f *fakePublisher) EnqueueCreated(task events.TaskData)   { f.created = append(f.created, task) }
func (f *fakePublisher) EnqueueUpdated(task events.TaskData)   { f.updated = append(f.updated, task) }
func (f *fakePublisher) EnqueueCompleted(task events.TaskData) { f.completed = append(f.completed, task) }
func (f *fakePublisher) EnqueueDeleted(task events.TaskData)   { f.deleted = append(f.deleted, task) }

func newTestRouter(svc *fakeTaskService, sched *fakeScheduler, pub *fakePublisher) *gin.Engine {
	router := gin.New()
	router.Use(middleware.CorrelationID(), middleware.ErrorHandler())
	NewHandler(svc, sched, pub).RegisterRoutes(router)
	return router
}

func do(router *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sampleTask() *database.Task {
	desc := "water the monstera before it sulks"
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &database.Task{
		ID:          "task-1",
		UserID:      "user-1",
		Title:       "Water the plants",
		Description: &desc,
		IsComplete:  false,
		Priority:    database.PriorityMedium,
		DueDate:     &due,
		CreatedAt:   time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestCreateTask(t *testing.T) {
	svc := &fakeTaskService{task: sampleTask()}
	pub := &fakePublisher{}
	router := newTestRouter(svc, &fakeScheduler{}, pub)

	w := do(router, http.MethodPost, "/api/tasks", "user-1", map[string]interface{}{
		"title":    "Water the plants",
		"priority": "medium",
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got database.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, "Water the plants", got.Title)

	assert.Equal(t, "user-1", svc.gotUserID)
	assert.Equal(t, "Water the plants", svc.gotCreate.Title)
	assert.Equal(t, "medium", svc.gotCreate.Priority)

	require.Len(t, pub.created, 1)
	assert.Equal(t, "task-1", pub.created[0].ID)
	assert.Equal(t, "user-1", pub.created[0].UserID)
}

func TestCreateTask_BindingRejectsBadBody(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing title", map[string]interface{}{"priority": "low"}},
		{"unknown priority", map[string]interface{}{"title": "x", "priority": "whenever"}},
		{"category not a uuid", map[string]interface{}{"title": "x", "category_id": "garden"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeTaskService{task: sampleTask()}
			pub := &fakePublisher{}
			router := newTestRouter(svc, &fakeScheduler{}, pub)

			w := do(router, http.MethodPost, "/api/tasks", "user-1", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Empty(t, svc.calls, "service must not see a request that failed binding")
			assert.Empty(t, pub.created)
		})
	}
}

func TestCreateTask_MissingIdentity(t *testing.T) {
	svc := &fakeTaskService{task: sampleTask()}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodPost, "/api/tasks", "", map[string]interface{}{"title": "x"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, svc.calls)
}

func TestGetTask(t *testing.T) {
	svc := &fakeTaskService{task: sampleTask()}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodGet, "/api/tasks/task-1", "user-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "task-1", svc.gotTaskID)

	var got database.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Water the plants", got.Title)
}

func TestGetTask_NotFound(t *testing.T) {
	svc := &fakeTaskService{err: apperrors.NewNotFoundError("task")}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodGet, "/api/tasks/missing", "user-1", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "correlation_id")
}

func TestUpdateTask(t *testing.T) {
	svc := &fakeTaskService{task: sampleTask()}
	pub := &fakePublisher{}
	router := newTestRouter(svc, &fakeScheduler{}, pub)

	w := do(router, http.MethodPut, "/api/tasks/task-1", "user-1", map[string]interface{}{
		"priority": "high",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "task-1", svc.gotTaskID)
	require.NotNil(t, svc.gotUpdate.Priority)
	assert.Equal(t, "high", *svc.gotUpdate.Priority)
	assert.Nil(t, svc.gotUpdate.Title, "absent fields stay nil so the service keeps stored values")

	require.Len(t, pub.updated, 1)
	assert.Equal(t, "task-1", pub.updated[0].ID)
}

func TestCompleteTask_PublishesOnTransition(t *testing.T) {
	done := sampleTask()
	done.IsComplete = true

	svc := &fakeTaskService{task: done, changed: true}
	pub := &fakePublisher{}
	router := newTestRouter(svc, &fakeScheduler{}, pub)

	w := do(router, http.MethodPatch, "/api/tasks/task-1/complete", "user-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pub.completed, 1)
	assert.True(t, pub.completed[0].IsComplete)
}

func TestCompleteTask_AlreadyCompleteStaysQuiet(t *testing.T) {
	done := sampleTask()
	done.IsComplete = true

	svc := &fakeTaskService{task: done, changed: false}
	pub := &fakePublisher{}
	router := newTestRouter(svc, &fakeScheduler{}, pub)

	w := do(router, http.MethodPatch, "/api/tasks/task-1/complete", "user-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, pub.completed, "no state change means no lifecycle event")

	var got database.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.IsComplete)
}

func TestDeleteTask(t *testing.T) {
	svc := &fakeTaskService{task: sampleTask()}
	pub := &fakePublisher{}
	sched := &fakeScheduler{}
	router := newTestRouter(svc, sched, pub)

	w := do(router, http.MethodDelete, "/api/tasks/task-1", "user-1", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	require.Len(t, pub.deleted, 1)
	assert.Equal(t, "task-1", pub.deleted[0].ID, "the event carries the pre-delete snapshot")
	assert.Empty(t, sched.calls, "task deletes must not route to the reminder handler")
}

func TestDeleteTask_ServiceErrorSkipsPublish(t *testing.T) {
	svc := &fakeTaskService{err: apperrors.NewDatabaseError("delete task", assert.AnError)}
	pub := &fakePublisher{}
	router := newTestRouter(svc, &fakeScheduler{}, pub)

	w := do(router, http.MethodDelete, "/api/tasks/task-1", "user-1", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, pub.deleted)
}

func TestScheduleReminder(t *testing.T) {
	remindAt := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	sched := &fakeScheduler{reminder: &database.Reminder{
		ID:               "rem-1",
		TaskID:           "task-1",
		RemindAt:         remindAt,
		NotificationType: database.NotificationEmail,
	}}
	router := newTestRouter(&fakeTaskService{}, sched, &fakePublisher{})

	w := do(router, http.MethodPost, "/api/tasks/task-1/reminder", "user-1", map[string]interface{}{
		"remind_at":         remindAt.Format(time.RFC3339),
		"notification_type": "email",
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "task-1", sched.gotTaskID)
	assert.True(t, sched.gotRemindAt.Equal(remindAt))
	assert.Equal(t, "email", sched.gotType)

	var got database.Reminder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "rem-1", got.ID)
}

func TestScheduleReminder_UnknownChannelRejected(t *testing.T) {
	sched := &fakeScheduler{}
	router := newTestRouter(&fakeTaskService{}, sched, &fakePublisher{})

	w := do(router, http.MethodPost, "/api/tasks/task-1/reminder", "user-1", map[string]interface{}{
		"remind_at":         "2026-03-01T08:30:00Z",
		"notification_type": "sms",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, sched.calls)
}

func TestListReminders(t *testing.T) {
	sched := &fakeScheduler{reminders: []database.Reminder{
		{ID: "rem-1", TaskID: "task-1", NotificationType: database.NotificationEmail},
		{ID: "rem-2", TaskID: "task-1", NotificationType: database.NotificationPush},
	}}
	router := newTestRouter(&fakeTaskService{}, sched, &fakePublisher{})

	w := do(router, http.MethodGet, "/api/tasks/task-1/reminders", "user-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "task-1", sched.gotTaskID)

	var got []database.Reminder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "rem-2", got[1].ID)
}

func TestCancelReminder(t *testing.T) {
	svc := &fakeTaskService{}
	sched := &fakeScheduler{}
	router := newTestRouter(svc, sched, &fakePublisher{})

	w := do(router, http.MethodDelete, "/api/tasks/reminders/rem-1", "user-1", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "rem-1", sched.gotReminderID)
	assert.Equal(t, "user-1", sched.gotUserID)
	assert.Empty(t, svc.calls, "reminder deletes must not route to the task handler")
}

func TestCreateRecurrence(t *testing.T) {
	next := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := &fakeTaskService{rule: &database.RecurrenceRule{
		ID:        "rule-1",
		TaskID:    "task-1",
		Frequency: database.FrequencyWeekly,
		Interval:  2,
		NextDueAt: &next,
		IsActive:  true,
	}}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodPost, "/api/tasks/task-1/recurring", "user-1", map[string]interface{}{
		"frequency": "weekly",
		"interval":  2,
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "task-1", svc.gotTaskID)
	assert.Equal(t, "weekly", svc.gotRule.Frequency)
	assert.Equal(t, 2, svc.gotRule.Interval)

	var got database.RecurrenceRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "rule-1", got.ID)
	assert.True(t, got.IsActive)
}

func TestCreateRecurrence_UnknownFrequencyRejected(t *testing.T) {
	svc := &fakeTaskService{}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodPost, "/api/tasks/task-1/recurring", "user-1", map[string]interface{}{
		"frequency": "fortnightly",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.calls)
}

func TestGetRecurrence(t *testing.T) {
	svc := &fakeTaskService{rule: &database.RecurrenceRule{ID: "rule-1", TaskID: "task-1", Frequency: database.FrequencyDaily, Interval: 1, IsActive: true}}
	router := newTestRouter(svc, &fakeScheduler{}, &fakePublisher{})

	w := do(router, http.MethodGet, "/api/tasks/task-1/recurring", "user-1", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var got database.RecurrenceRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "rule-1", got.ID)
	assert.Equal(t, database.FrequencyDaily, got.Frequency)
}
