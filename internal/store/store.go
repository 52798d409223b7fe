package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is the SQL-backed event log.
type Store struct {
	db     *sqlx.DB
	driver string
}

type recordRow struct {
	StreamID   string `db:"stream_id"`
	Seq        int64  `db:"seq"`
	EventID    string `db:"event_id"`
	EventType  string `db:"event_type"`
	Payload    string `db:"payload"`
	RecordedAt int64  `db:"recorded_at"`
}

// NewStore opens the event log database and applies the schema.
func NewStore(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported event log driver: %s", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY between concurrent appends.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Append appends records to a stream inside a single transaction.
func (s *Store) Append(ctx context.Context, streamID string, expectedSeq uint64, records []Record) ([]Record, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrStreamIDRequired
	}
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.GetContext(ctx, &last,
		s.db.Rebind("SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = ?"), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream head: %w", err)
	}
	if uint64(last) != expectedSeq {
		return nil, fmt.Errorf("%w: stream %s is at %d, expected %d", ErrSequenceConflict, streamID, last, expectedSeq)
	}

	insert := s.db.Rebind(`
		INSERT INTO events (stream_id, seq, event_id, event_type, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	stored := stamp(streamID, expectedSeq, records, time.Now().UTC())
	for _, rec := range stored {
		_, err := tx.ExecContext(ctx, insert,
			rec.StreamID, int64(rec.Seq), rec.EventID, rec.EventType, string(rec.Payload), rec.RecordedAt.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: stream %s seq %d already exists", ErrSequenceConflict, streamID, rec.Seq)
			}
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: stream %s", ErrSequenceConflict, streamID)
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return stored, nil
}

// Load returns the records of a stream after the given sequence.
func (s *Store) Load(ctx context.Context, streamID string, afterSeq uint64) ([]Record, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrStreamIDRequired
	}

	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT stream_id, seq, event_id, event_type, payload, recorded_at
		FROM events
		WHERE stream_id = ? AND seq > ?
		ORDER BY seq ASC`), streamID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			StreamID:   row.StreamID,
			Seq:        uint64(row.Seq),
			EventID:    row.EventID,
			EventType:  row.EventType,
			Payload:    []byte(row.Payload),
			RecordedAt: time.UnixMilli(row.RecordedAt).UTC(),
		})
	}
	return records, nil
}

// Streams lists every stream id present in the log
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, "SELECT DISTINCT stream_id FROM events ORDER BY stream_id")
	return ids, err
}

// stamp assigns contiguous sequence numbers, event ids and timestamps.
func stamp(streamID string, expectedSeq uint64, records []Record, now time.Time) []Record {
	stored := make([]Record, len(records))
	for i, rec := range records {
		rec.StreamID = streamID
		rec.Seq = expectedSeq + uint64(i) + 1
		if rec.EventID == "" {
			rec.EventID = uuid.New().String()
		}
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = now
		}
		stored[i] = rec
	}
	return stored
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
