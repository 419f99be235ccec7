package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pytrms/componist/internal/models"
)

// ScheduleRepository records every write handed to the instrument.
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a dispatched write.
func (r *ScheduleRepository) Create(ctx context.Context, write *models.ScheduledWrite) error {
	if write.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if write.ParID == "" {
		return fmt.Errorf("parameter id is required")
	}
	if write.ID == "" {
		write.ID = uuid.New().String()
	}
	if write.DispatchedAt.IsZero() {
		write.DispatchedAt = time.Now().UTC()
	}

	valueJSON, err := json.Marshal(write.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_writes (id, session_id, par_id, value_json, cycle, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		write.ID,
		write.SessionID,
		write.ParID,
		string(valueJSON),
		write.Cycle,
		write.DispatchedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled write: %w", err)
	}
	return nil
}

// ListBySession returns a session's writes in dispatch order.
func (r *ScheduleRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.ScheduledWrite, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, par_id, value_json, cycle, dispatched_at
		FROM scheduled_writes
		WHERE session_id = ?
		ORDER BY rowid
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled writes: %w", err)
	}
	defer rows.Close()

	var writes []*models.ScheduledWrite
	for rows.Next() {
		var write models.ScheduledWrite
		var valueJSON, dispatchedAt string
		if err := rows.Scan(&write.ID, &write.SessionID, &write.ParID, &valueJSON, &write.Cycle, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled write: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &write.Value); err != nil {
			return nil, fmt.Errorf("failed to parse value of write %s: %w", write.ID, err)
		}
		write.DispatchedAt = parseTimestamp(dispatchedAt)
		writes = append(writes, &write)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled writes: %w", err)
	}
	return writes, nil
}

// CountBySession returns how many writes a session dispatched.
func (r *ScheduleRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_writes WHERE session_id = ?`, sessionID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count scheduled writes: %w", err)
	}
	return count, nil
}
