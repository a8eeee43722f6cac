package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/taskloop/taskloop/internal/telemetry"
)

type DB struct {
	*sql.DB
}

// NewConnection opens a plain connection pool for the DATABASE_URL DSN and
// verifies it with a ping.
func NewConnection(databaseURL string) (*DB, error) {
	return open(databaseURL, false)
}

// NewInstrumentedConnection opens the pool through otelsql so every query
// carries a span, and registers pool statistics as metrics.
func NewInstrumentedConnection(databaseURL string) (*DB, error) {
	return open(databaseURL, true)
}

func open(databaseURL string, instrumented bool) (*DB, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	host, dbname := describeDSN(databaseURL)
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"host":         host,
		"database":     dbname,
		"instrumented": instrumented,
		"operation":    "database_connection",
	})

	logger.Info("Establishing database connection")

	var (
		db  *sql.DB
		err error
	)
	if instrumented {
		db, err = otelsql.Open("postgres", databaseURL,
			otelsql.WithAttributes(
				semconv.DBSystemPostgreSQL,
				semconv.DBName(dbname),
				semconv.NetPeerName(host),
			),
		)
	} else {
		db, err = sql.Open("postgres", databaseURL)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to open database connection")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if instrumented {
		if err := otelsql.RegisterDBStatsMetrics(db,
			otelsql.WithAttributes(
				semconv.DBSystemPostgreSQL,
				semconv.DBName(dbname),
			),
		); err != nil {
			logger.WithError(err).Warn("Failed to register database stats")
		}
	}

	logger.Info("Database connection established")
	return &DB{db}, nil
}

// describeDSN extracts host and database name for logging and span
// attributes. Credentials never leave this function.
func describeDSN(dsn string) (host, dbname string) {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			return u.Hostname(), strings.TrimPrefix(u.Path, "/")
		}
		return "", ""
	}
	for _, part := range strings.Fields(dsn) {
		if v, ok := strings.CutPrefix(part, "host="); ok {
			host = v
		}
		if v, ok := strings.CutPrefix(part, "dbname="); ok {
			dbname = v
		}
	}
	return host, dbname
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// WithTransaction runs fn inside a transaction, committing on a nil return
// and rolling back otherwise. A panic rolls back and re-panics.
func (db *DB) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "database_transaction",
	})

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Transaction panicked, rolling back")
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			logger.WithError(err).Warn("Transaction failed, rolling back")
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				logger.WithError(err).Error("Failed to commit transaction")
			}
		}
	}()

	err = fn(tx)
	return err
}
