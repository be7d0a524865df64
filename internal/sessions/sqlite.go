package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver, registers as "sqlite".

	"github.com/haasonsaas/keel/pkg/models"
)

// SQLiteStore implements Store over a single-file SQLite database. The full
// session is stored as JSON next to the indexed columns so the schema never
// has to chase the session shape.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open database: %w", err)
	}
	// SQLite serializes writes; a second writer conn only buys lock errors.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			data TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sessions: create table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("sessions: create index: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, created_at, data)
		VALUES (?, ?, ?, ?)
	`,
		session.SessionID,
		string(session.Status),
		session.CreatedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("sessions: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	if session.SessionID == "" {
		return errors.New("sessions: session id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, data = ?
		WHERE id = ?
	`,
		string(session.Status),
		string(data),
		session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("sessions: update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: update session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get session: %w", err)
	}
	return decodeSession(data)
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT data FROM sessions`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sessions: scan session: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	return out, nil
}

func decodeSession(data string) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("sessions: decode session: %w", err)
	}
	return &session, nil
}
