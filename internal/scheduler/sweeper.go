package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/taskloop/taskloop/internal/database"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// DefaultSweepInterval is how often the sweeper looks for due reminders when
// no interval is configured.
const DefaultSweepInterval = 60 * time.Second

// DefaultSweepBatch caps how many due reminders one sweep claims when no
// batch limit is configured.
const DefaultSweepBatch = 100

// Bus publishes reminder events to the broker. Satisfied by dapr.Client.
type Bus interface {
	Publish(ctx context.Context, pubsub, topic string, payload events.Payload, partitionKey string) error
}

type SweeperConfig struct {
	PubsubName string
	Interval   time.Duration
	BatchLimit int
}

// Sweeper periodically claims due reminders and publishes reminder.due for
// each. Claiming and publishing share one transaction per row, so a failed
// publish leaves the row pending for the next tick and concurrent sweeps
// never publish the same reminder twice.
type Sweeper struct {
	db       *database.DB
	bus      Bus
	pubsub   string
	interval time.Duration
	batch    int

	sweeps    atomic.Int64
	published atomic.Int64
	failures  atomic.Int64
}

func NewSweeper(db *database.DB, bus Bus, config SweeperConfig) *Sweeper {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	batch := config.BatchLimit
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		db:       db,
		bus:      bus,
		pubsub:   config.PubsubName,
		interval: interval,
		batch:    batch,
	}
}

// Run ticks until the context is cancelled. Sweep errors are logged, never
// fatal; the next tick starts over.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := telemetry.GetContextualLogger(ctx).WithField("operation", "reminder_sweep")
	logger.WithField("interval", s.interval.String()).Info("Reminder sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Reminder sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.WithError(err).Error("Reminder sweep failed")
			}
		}
	}
}

// SweepOnce processes up to one batch of reminders due at the time of the
// call and returns how many rows it transitioned to sent. Per-row failures
// are logged and left pending; only a failure to list the due rows is
// returned. Overflow beyond the batch limit waits for the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s.sweeps.Add(1)
	logger := telemetry.GetContextualLogger(ctx).WithField("operation", "reminder_sweep")

	due, err := s.dueReminderIDs(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	logger.WithField("due", len(due)).Debug("Processing due reminders")

	sent := 0
	for _, id := range due {
		claimed, err := s.processReminder(ctx, id)
		if err != nil {
			s.failures.Add(1)
			logger.WithError(err).WithField("reminder_id", id).Error("Failed to process due reminder")
			continue
		}
		if claimed {
			sent++
		}
	}

	if sent > 0 {
		logger.WithField("sent", sent).Info("Due reminders published")
	}
	return sent, nil
}

func (s *Sweeper) dueReminderIDs(ctx context.Context, now time.Time) ([]string, error) {
	query := `SELECT id FROM reminders WHERE remind_at <= $1 AND NOT is_sent ORDER BY remind_at LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, now, s.batch)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due reminders", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewDatabaseError("scan due reminder", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list due reminders", err)
	}
	return ids, nil
}

// processReminder claims one due row. The claimed result is false when a
// concurrent sweep got there first.
func (s *Sweeper) processReminder(ctx context.Context, reminderID string) (bool, error) {
	var claimed, publishedRow bool
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var r database.Reminder
		// The lock re-checks is_sent, so a loser of a concurrent claim
		// sees no row here and skips.
		claim := `
			SELECT id, task_id, remind_at, notification_type
			FROM reminders
			WHERE id = $1 AND NOT is_sent
			FOR UPDATE
		`
		err := tx.QueryRowContext(ctx, claim, reminderID).Scan(
			&r.ID, &r.TaskID, &r.RemindAt, &r.NotificationType,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperrors.NewDatabaseError("claim reminder", err)
		}

		var title, owner string
		err = tx.QueryRowContext(ctx, `SELECT title, user_id FROM tasks WHERE id = $1`, r.TaskID).
			Scan(&title, &owner)
		taskGone := errors.Is(err, sql.ErrNoRows)
		if err != nil && !taskGone {
			return apperrors.NewDatabaseError("load reminder task", err)
		}

		if !taskGone {
			event := &events.ReminderEvent{
				ReminderID:       r.ID,
				TaskID:           r.TaskID,
				TaskTitle:        title,
				UserID:           owner,
				RemindAt:         r.RemindAt,
				NotificationType: string(r.NotificationType),
				Timestamp:        events.Now(),
			}
			if err := s.bus.Publish(ctx, s.pubsub, events.TopicReminders, event, event.PartitionKey()); err != nil {
				return err
			}
			publishedRow = true
		}

		mark := `UPDATE reminders SET is_sent = TRUE, sent_at = $1 WHERE id = $2`
		if _, err := tx.ExecContext(ctx, mark, time.Now().UTC(), r.ID); err != nil {
			return apperrors.NewDatabaseError("mark reminder sent", err)
		}
		claimed = true
		return nil
	})
	if err == nil && publishedRow {
		s.published.Add(1)
	}
	return claimed, err
}

// Sweeps reports how many sweep passes have run.
func (s *Sweeper) Sweeps() int64 { return s.sweeps.Load() }

// Published reports how many reminder.due events reached the broker.
func (s *Sweeper) Published() int64 { return s.published.Load() }

// Failures reports rows that could not be processed and stayed pending.
func (s *Sweeper) Failures() int64 { return s.failures.Load() }
