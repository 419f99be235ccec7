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

// ErrInvalidEvent is returned for events that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// Timestamps are stored with a fixed-width fraction so that text ordering
// matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const eventColumns = `id, timestamp, type, entity_type, entity_id, payload_json, metadata_json`

// DefaultEventPageSize is used when a query sets no limit.
const DefaultEventPageSize = 100

// EventRepository handles event persistence.
type EventRepository struct {
	db *DB
}

type scanner interface {
	Scan(dest ...any) error
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery selects events. Nil filters match everything.
type EventQuery struct {
	Type       *models.EventType
	EntityType *models.EntityType
	EntityID   *string
	Cursor     string // ID of the last event of the previous page
	Limit      int
}

// EventPage is one page of a query. NextCursor is empty on the last page.
type EventPage struct {
	Events     []*models.Event `json:"events"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Create appends a new event to the event log, assigning ID and timestamp
// when unset.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	var payloadJSON *string
	if len(event.Payload) > 0 {
		s := string(event.Payload)
		payloadJSON = &s
	}

	var metadataJSON *string
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.Format(timestampLayout),
		string(event.Type),
		string(event.EntityType),
		event.EntityID,
		payloadJSON,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (q EventQuery) where() (string, []any) {
	clause := ` WHERE 1=1`
	var args []any
	if q.Type != nil {
		clause += ` AND type = ?`
		args = append(args, string(*q.Type))
	}
	if q.EntityType != nil {
		clause += ` AND entity_type = ?`
		args = append(args, string(*q.EntityType))
	}
	if q.EntityID != nil {
		clause += ` AND entity_id = ?`
		args = append(args, *q.EntityID)
	}
	return clause, args
}

// Query returns one page of matching events in log order.
func (r *EventRepository) Query(ctx context.Context, q EventQuery) (*EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventPageSize
	}

	where, args := q.where()
	query := `SELECT ` + eventColumns + ` FROM events` + where
	if q.Cursor != "" {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, q.Cursor).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown cursor %q", ErrInvalidEvent, q.Cursor)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
		query += ` AND (timestamp, id) > (SELECT timestamp, id FROM events WHERE id = ?)`
		args = append(args, q.Cursor)
	}

	// One extra row tells whether another page exists.
	query += ` ORDER BY timestamp, id LIMIT ?`
	args = append(args, limit+1)

	events, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = events[limit-1].ID
	}
	return page, nil
}

// Count returns how many events match q. Cursor and Limit are ignored.
func (r *EventRepository) Count(ctx context.Context, q EventQuery) (int64, error) {
	where, args := q.where()
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (r *EventRepository) scan(row scanner) (*models.Event, error) {
	var event models.Event
	var timestamp, eventType, entityType string
	var payloadJSON, metadataJSON sql.NullString

	if err := row.Scan(
		&event.ID,
		&timestamp,
		&eventType,
		&entityType,
		&event.EntityID,
		&payloadJSON,
		&metadataJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	event.Timestamp = parseTimestamp(timestamp)

	if payloadJSON.Valid {
		event.Payload = json.RawMessage(payloadJSON.String)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}
	return &event, nil
}

func parseTimestamp(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
