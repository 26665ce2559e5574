// Package audit keeps a durable history of conversion requests.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
)

// ErrNotFound is returned when no record exists for a request ID.
var ErrNotFound = errors.New("record not found")

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	request_id     TEXT PRIMARY KEY,
	strategy       TEXT NOT NULL,
	state          TEXT NOT NULL,
	success        BOOLEAN NOT NULL,
	input_count    INTEGER NOT NULL,
	artifact_count INTEGER NOT NULL,
	error_count    INTEGER NOT NULL,
	error          TEXT NOT NULL,
	result         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP NOT NULL,
	duration_ms    BIGINT NOT NULL
)`

// Record is one row of conversion history.
type Record struct {
	RequestID     string                   `json:"request_id"`
	Strategy      domain.Strategy          `json:"strategy"`
	State         domain.State             `json:"state"`
	Success       bool                     `json:"success"`
	InputCount    int                      `json:"input_count"`
	ArtifactCount int                      `json:"artifact_count"`
	ErrorCount    int                      `json:"error_count"`
	Error         string                   `json:"error,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
	Duration      time.Duration            `json:"duration"`
	Result        *domain.ConversionResult `json:"-"`
}

// Open connects to the audit database and applies the schema.
// driver is sqlite or postgres.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite3"
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
		sqlDriver = "postgres"
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown audit driver %q", driver), nil)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// SQLRecorder writes conversion results to the conversions table.
type SQLRecorder struct {
	db     DB
	logger *observability.Logger
}

// NewSQLRecorder creates a recorder on an opened database.
func NewSQLRecorder(db DB, logger *observability.Logger) *SQLRecorder {
	if logger == nil {
		logger = observability.Nop()
	}
	return &SQLRecorder{db: db, logger: logger.WithComponent("audit")}
}

var _ domain.ResultRecorder = (*SQLRecorder)(nil)

// Record inserts one finished conversion.
func (r *SQLRecorder) Record(ctx context.Context, result *domain.ConversionResult) error {
	if result == nil || result.RequestID == "" {
		return domain.ValidationError("audit record needs a request id", nil)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	query := `
		INSERT INTO conversions (request_id, strategy, state, success, input_count, artifact_count,
			error_count, error, result, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		result.RequestID, string(result.Strategy), string(result.State), result.Success,
		len(result.Inputs), len(result.Artifacts), len(result.Errors), result.Error, string(payload),
		result.StartedAt.UTC(), result.FinishedAt.UTC(), result.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}

	r.logger.Debug().
		Str("request_id", result.RequestID).
		Str("state", string(result.State)).
		Msg("conversion recorded")
	return nil
}

// Get returns the record of one request, including its full result.
func (r *SQLRecorder) Get(ctx context.Context, requestID string) (*Record, error) {
	query := selectColumns + ` WHERE request_id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns the most recent records first.
func (r *SQLRecorder) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectColumns + ` ORDER BY started_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteBefore removes records that started before cutoff and reports how many went.
func (r *SQLRecorder) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversions WHERE started_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete conversions: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT request_id, strategy, state, success, input_count, artifact_count,
		error_count, error, result, started_at, finished_at, duration_ms
	FROM conversions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec        Record
		strategy   string
		state      string
		payload    string
		durationMs int64
	)
	err := s.Scan(&rec.RequestID, &strategy, &state, &rec.Success, &rec.InputCount, &rec.ArtifactCount,
		&rec.ErrorCount, &rec.Error, &payload, &rec.StartedAt, &rec.FinishedAt, &durationMs)
	if err != nil {
		return nil, err
	}
	rec.Strategy = domain.Strategy(strategy)
	rec.State = domain.State(state)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.StartedAt = rec.StartedAt.UTC()
	rec.FinishedAt = rec.FinishedAt.UTC()

	var result domain.ConversionResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	rec.Result = &result
	return &rec, nil
}

// NopRecorder discards results; used when auditing is disabled.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(context.Context, *domain.ConversionResult) error { return nil }
