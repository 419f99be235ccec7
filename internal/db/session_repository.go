package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pytrms/componist/internal/models"
)

// Session repository errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFinished = errors.New("session already finished")
)

const sessionColumns = `id, composition, steps_json, options_json, status, dry_run,
	dispatched, last_cycle, error, started_at, finished_at`

// SessionRepository handles scheduling session persistence.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a session. ID, status and start time are filled in when unset.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusRunning
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if err := session.Validate(); err != nil {
		return err
	}

	optionsJSON, err := json.Marshal(session.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.Composition,
		string(session.Steps),
		string(optionsJSON),
		string(session.Status),
		session.DryRun,
		session.Dispatched,
		session.LastCycle,
		nullString(session.Error),
		session.StartedAt.UTC().Format(timestampLayout),
		nullTime(session.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// List returns the most recent sessions first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// UpdateProgress records the dispatch counter and last observed cycle of a
// running session.
func (r *SessionRepository) UpdateProgress(ctx context.Context, id string, dispatched, lastCycle int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET dispatched = ?, last_cycle = ?
		WHERE id = ? AND status = ?
	`, dispatched, lastCycle, id, string(models.SessionStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return r.expectRow(ctx, result, id)
}

// Finish moves a running session into a terminal status.
func (r *SessionRepository) Finish(ctx context.Context, id string, status models.SessionStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(status), nullString(reason), now.Format(timestampLayout), id, string(models.SessionStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return r.expectRow(ctx, result, id)
}

func (r *SessionRepository) expectRow(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrSessionFinished
}

func scanSession(row scanner) (*models.Session, error) {
	var session models.Session
	var steps, optionsJSON, status, startedAt string
	var errText, finishedAt sql.NullString

	if err := row.Scan(
		&session.ID,
		&session.Composition,
		&steps,
		&optionsJSON,
		&status,
		&session.DryRun,
		&session.Dispatched,
		&session.LastCycle,
		&errText,
		&startedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.Steps = json.RawMessage(steps)
	session.Status = models.SessionStatus(status)
	session.Error = errText.String
	session.StartedAt = parseTimestamp(startedAt)
	if finishedAt.Valid {
		t := parseTimestamp(finishedAt.String)
		session.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(optionsJSON), &session.Options); err != nil {
		return nil, fmt.Errorf("failed to parse session options: %w", err)
	}
	return &session, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timestampLayout)
	return &s
}
