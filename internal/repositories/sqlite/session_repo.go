package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/repositories"
	"github.com/yoockh/livescribe/internal/utils"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		context_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		chunks_received INTEGER NOT NULL DEFAULT 0,
		chunks_out_of_order INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		ended_at INTEGER,
		duration_seconds INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at DESC);
`

// Store is a single-node session store on an embedded SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps an in-memory database shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the store as a SessionRepository.
func (s *Store) Sessions() repositories.SessionRepository { return s }

func (s *Store) Create(ctx context.Context, rec *models.Session) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, connection_id, user_id, patient_id, context_type,
			language, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.ConnectionID, rec.UserID, rec.PatientID, rec.ContextType,
		rec.Language, rec.Status, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) End(ctx context.Context, rec *models.Session) error {
	var endedAt sql.NullInt64
	if rec.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: rec.EndedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, connection_id, user_id, patient_id, context_type,
			language, status, transcript, chunks_received, chunks_out_of_order,
			created_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			connection_id = excluded.connection_id,
			patient_id = excluded.patient_id,
			context_type = excluded.context_type,
			language = excluded.language,
			status = excluded.status,
			transcript = excluded.transcript,
			chunks_received = excluded.chunks_received,
			chunks_out_of_order = excluded.chunks_out_of_order,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds
	`, rec.SessionID, rec.ConnectionID, rec.UserID, rec.PatientID, rec.ContextType,
		rec.Language, rec.Status, rec.Transcript, rec.ChunksReceived, rec.ChunksOutOfOrder,
		rec.CreatedAt.UnixMilli(), endedAt, rec.DurationSeconds)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT session_id, connection_id, user_id, patient_id, context_type, language, status,
		transcript, chunks_received, chunks_out_of_order, created_at, ended_at, duration_seconds
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var rec models.Session
	var createdAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&rec.SessionID, &rec.ConnectionID, &rec.UserID, &rec.PatientID,
		&rec.ContextType, &rec.Language, &rec.Status, &rec.Transcript, &rec.ChunksReceived,
		&rec.ChunksOutOfOrder, &createdAt, &endedAt, &rec.DurationSeconds); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		rec.EndedAt = &t
	}
	return &rec, nil
}

func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return rec, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
