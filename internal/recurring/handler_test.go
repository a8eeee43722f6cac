package recurring

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/state"
)

var frozenNow = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

type fakeRules struct {
	rule     *database.RecurrenceRule
	ruleErr  error
	spawnRet *database.Task
	spawnErr error

	spawnCalls int
	gotSource  events.TaskData
	gotNext    time.Time
}

func (f *fakeRules) RuleByTaskID(_ context.Context, _ string) (*database.RecurrenceRule, error) {
	if f.ruleErr != nil {
		return nil, f.ruleErr
	}
	return f.rule, nil
}

func (f *fakeRules) SpawnNextOccurrence(_ context.Context, _ *database.RecurrenceRule, source events.TaskData, nextDueAt time.Time) (*database.Task, error) {
	f.spawnCalls++
	f.gotSource = source
	f.gotNext = nextDueAt
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return f.spawnRet, nil
}

type fakeLifecycle struct {
	created []events.TaskData
}

func (f *fakeLifecycle) EnqueueCreated(task events.TaskData) {
	f.created = append(f.created, task)
}

func newStateService(t *testing.T) (*state.Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return state.NewService(state.NewRedisStoreFromClient(client)), mr
}

func newTestHandler(t *testing.T, rules *fakeRules) (*Handler, *fakeLifecycle, *state.Service) {
	t.Helper()

	st, _ := newStateService(t)
	pub := &fakeLifecycle{}
	h := NewHandler(st, rules, pub)
	h.now = func() time.Time { return frozenNow }
	return h, pub, st
}

func weeklyRule() *database.RecurrenceRule {
	return &database.RecurrenceRule{
		ID:        "rule-1",
		TaskID:    "task-1",
		Frequency: database.FrequencyWeekly,
		Interval:  1,
		IsActive:  true,
		CreatedAt: frozenNow.Add(-30 * 24 * time.Hour),
		UpdatedAt: frozenNow.Add(-7 * 24 * time.Hour),
	}
}

func completedEvent() *events.TaskEvent {
	desc := "every monday"
	return events.NewTaskEvent(events.TypeTaskCompleted, events.TaskData{
		ID:          "task-1",
		UserID:      "user-1",
		Title:       "Weekly review",
		Description: &desc,
		IsComplete:  true,
		Priority:    "high",
		CreatedAt:   frozenNow.Add(-7 * 24 * time.Hour),
		UpdatedAt:   frozenNow,
	}, nil)
}

func TestHandleTaskEvent_SpawnsNextOccurrence(t *testing.T) {
	rules := &fakeRules{
		rule: weeklyRule(),
		spawnRet: &database.Task{
			ID:        "task-2",
			UserID:    "user-1",
			Title:     "Weekly review",
			Priority:  database.PriorityHigh,
			CreatedAt: frozenNow,
			UpdatedAt: frozenNow,
		},
	}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))

	assert.Equal(t, 1, rules.spawnCalls)
	assert.Equal(t, "Weekly review", rules.gotSource.Title)
	assert.True(t, rules.gotNext.Equal(time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)),
		"one week after the completion instant, got %v", rules.gotNext)

	require.Len(t, pub.created, 1)
	assert.Equal(t, "task-2", pub.created[0].ID)

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, state.ProcessingStatusCompleted, marker.Status)
	assert.Equal(t, "task-2", marker.NextTaskID)

	cached, err := st.GetRuleSnapshot(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "rule-1", cached.RuleID)

	assert.Equal(t, int64(1), h.Spawned())
}

func TestHandleTaskEvent_IgnoresOtherEventTypes(t *testing.T) {
	rules := &fakeRules{rule: weeklyRule()}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	event := events.NewTaskEvent(events.TypeTaskUpdated, events.TaskData{
		ID: "task-1", UserID: "user-1", Title: "Weekly review",
	}, nil)
	require.NoError(t, h.HandleTaskEvent(ctx, event))

	assert.Zero(t, rules.spawnCalls)
	assert.Empty(t, pub.created)

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, marker, "no marker for ignored events")
}

func TestHandleTaskEvent_DuplicateDeliveryIsANoOp(t *testing.T) {
	rules := &fakeRules{rule: weeklyRule()}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, st.SetProcessingState(ctx, "task-1", state.ProcessingState{
		Status:     state.ProcessingStatusCompleted,
		NextTaskID: "task-9",
		StartedAt:  frozenNow.Add(-time.Minute),
		UpdatedAt:  frozenNow.Add(-time.Minute),
	}))

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))

	assert.Zero(t, rules.spawnCalls)
	assert.Empty(t, pub.created)

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-9", marker.NextTaskID, "first outcome preserved")
}

func TestHandleTaskEvent_FailedMarkerDoesNotDedup(t *testing.T) {
	rules := &fakeRules{
		rule:     weeklyRule(),
		spawnRet: &database.Task{ID: "task-2", UserID: "user-1", Title: "Weekly review", Priority: database.PriorityHigh},
	}
	h, _, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, st.SetProcessingState(ctx, "task-1", state.ProcessingState{
		Status:       state.ProcessingStatusFailed,
		ErrorMessage: "database unavailable",
		StartedAt:    frozenNow.Add(-time.Minute),
		UpdatedAt:    frozenNow.Add(-time.Minute),
	}))

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))
	assert.Equal(t, 1, rules.spawnCalls, "failed attempts retry")

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, state.ProcessingStatusCompleted, marker.Status)
}

func TestHandleTaskEvent_NoRuleCompletesWithoutSpawn(t *testing.T) {
	rules := &fakeRules{ruleErr: apperrors.NewNotFoundError("recurrence rule")}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))

	assert.Zero(t, rules.spawnCalls)
	assert.Empty(t, pub.created)

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, state.ProcessingStatusCompleted, marker.Status)
	assert.Empty(t, marker.NextTaskID)
	assert.Zero(t, h.Spawned())
}

func TestHandleTaskEvent_InactiveRuleCompletesWithoutSpawn(t *testing.T) {
	rule := weeklyRule()
	rule.IsActive = false
	rules := &fakeRules{rule: rule}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))

	assert.Zero(t, rules.spawnCalls)
	assert.Empty(t, pub.created)

	marker, err := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, state.ProcessingStatusCompleted, marker.Status)
}

func TestHandleTaskEvent_SpawnFailureMarksFailed(t *testing.T) {
	rules := &fakeRules{
		rule:     weeklyRule(),
		spawnErr: apperrors.NewDatabaseError("insert next occurrence", assert.AnError),
	}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	err := h.HandleTaskEvent(ctx, completedEvent())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "broker should redeliver")
	assert.Empty(t, pub.created)

	marker, markerErr := st.GetProcessingState(ctx, "task-1")
	require.NoError(t, markerErr)
	require.NotNil(t, marker)
	assert.Equal(t, state.ProcessingStatusFailed, marker.Status)
	assert.Contains(t, marker.ErrorMessage, "insert next occurrence")
}

func TestHandleTaskEvent_UsesCachedRule(t *testing.T) {
	rules := &fakeRules{
		ruleErr:  apperrors.NewNotFoundError("recurrence rule"),
		spawnRet: &database.Task{ID: "task-2", UserID: "user-1", Title: "Weekly review", Priority: database.PriorityHigh},
	}
	h, pub, st := newTestHandler(t, rules)
	ctx := context.Background()

	require.NoError(t, st.SetRuleSnapshot(ctx, state.RuleSnapshot{
		RuleID:    "rule-1",
		TaskID:    "task-1",
		Frequency: "daily",
		Interval:  2,
		IsActive:  true,
	}))

	require.NoError(t, h.HandleTaskEvent(ctx, completedEvent()))

	assert.Equal(t, 1, rules.spawnCalls, "cache hit bypasses the rule query")
	assert.True(t, rules.gotNext.Equal(frozenNow.Add(48*time.Hour)))
	require.Len(t, pub.created, 1)
}

func TestHandleTaskEvent_StateStoreDownIsRetryable(t *testing.T) {
	rules := &fakeRules{rule: weeklyRule()}
	st, mr := newStateService(t)
	pub := &fakeLifecycle{}
	h := NewHandler(st, rules, pub)
	h.now = func() time.Time { return frozenNow }

	mr.Close()

	err := h.HandleTaskEvent(context.Background(), completedEvent())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Zero(t, rules.spawnCalls)
}
