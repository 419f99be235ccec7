// Package dispatch provides the schedule sinks the scheduler writes to.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/events"
	"github.com/pytrms/componist/internal/logging"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/presets"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/rs/zerolog"
)

// Write is one parameter write as seen by a sink.
type Write struct {
	ParID string `json:"par_id"`
	Value any    `json:"value"`
	Cycle int64  `json:"cycle"`
}

// LogSink logs every write and applies nothing. Used for dry runs.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.Component("dispatch")}
}

// Schedule logs the write.
func (s *LogSink) Schedule(ctx context.Context, parID string, value any, cycle int64) error {
	s.logger.Info().
		Str("par_id", parID).
		Interface("value", value).
		Int64("cycle", cycle).
		Msg("write scheduled")
	return nil
}

// BufferSink collects writes until they are drained.
type BufferSink struct {
	mu     sync.Mutex
	writes []Write
}

// Schedule appends the write to the buffer.
func (s *BufferSink) Schedule(ctx context.Context, parID string, value any, cycle int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, Write{ParID: parID, Value: value, Cycle: cycle})
	return nil
}

// Drain returns the buffered writes and empties the buffer.
func (s *BufferSink) Drain() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes := s.writes
	s.writes = nil
	return writes
}

// Len returns the number of buffered writes.
func (s *BufferSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// WriteStore persists dispatched writes.
type WriteStore interface {
	Create(ctx context.Context, write *models.ScheduledWrite) error
}

// RecordingSink forwards writes to Next and records the outcome for a
// session: accepted writes go to the write store and the event log, rejected
// ones to the event log only. Only a rejection by Next is returned as an
// error; once Next accepted a write, a retry must not send it again, so
// recording failures are logged instead.
type RecordingSink struct {
	Next      scheduler.Sink
	SessionID string
	Writes    WriteStore
	Events    events.Repository

	logger zerolog.Logger
}

// NewRecordingSink creates a RecordingSink.
func NewRecordingSink(next scheduler.Sink, sessionID string, writes WriteStore, eventRepo events.Repository) *RecordingSink {
	return &RecordingSink{
		Next:      next,
		SessionID: sessionID,
		Writes:    writes,
		Events:    eventRepo,
		logger:    logging.Component("dispatch"),
	}
}

// Schedule forwards the write and records it.
func (s *RecordingSink) Schedule(ctx context.Context, parID string, value any, cycle int64) error {
	if s.Next != nil {
		if err := s.Next.Schedule(ctx, parID, value, cycle); err != nil {
			if s.Events != nil {
				if logErr := events.LogWriteFailed(ctx, s.Events, s.SessionID, parID, cycle, err); logErr != nil {
					s.logger.Warn().Err(logErr).Msg("failed to record write failure")
				}
			}
			return err
		}
	}

	if err := s.record(ctx, parID, value, cycle); err != nil {
		s.logger.Warn().
			Err(err).
			Str("par_id", parID).
			Int64("cycle", cycle).
			Msg("write accepted but not recorded")
		if s.Events != nil {
			if logErr := events.LogError(ctx, s.Events, s.SessionID, "record write", err); logErr != nil {
				s.logger.Warn().Err(logErr).Msg("failed to record error event")
			}
		}
	}
	return nil
}

func (s *RecordingSink) record(ctx context.Context, parID string, value any, cycle int64) error {
	if s.Writes != nil {
		if err := s.Writes.Create(ctx, &models.ScheduledWrite{
			SessionID: s.SessionID,
			ParID:     parID,
			Value:     value,
			Cycle:     cycle,
		}); err != nil {
			return fmt.Errorf("record write: %w", err)
		}
	}
	if s.Events != nil {
		if err := events.LogWriteScheduled(ctx, s.Events, s.SessionID, parID, value, cycle); err != nil {
			return fmt.Errorf("log write: %w", err)
		}
	}
	return nil
}

// PresetSink expands OP_Mode writes into the selected preset's set-values
// before forwarding them. Other writes pass through. When Next fails part
// way through an expansion, a retry of the same write resumes after the
// values already forwarded.
type PresetSink struct {
	Table *presets.Table
	Next  scheduler.Sink

	mu      sync.Mutex
	partial *presetProgress
}

type presetProgress struct {
	value any
	cycle int64
	sent  int
}

// Schedule translates and forwards the write.
func (s *PresetSink) Schedule(ctx context.Context, parID string, value any, cycle int64) error {
	if parID != compose.OpModeKey {
		return s.Next.Schedule(ctx, parID, value, cycle)
	}
	if s.Table == nil {
		return fmt.Errorf("%s write at cycle %d: no presets loaded", parID, cycle)
	}

	values, err := s.Table.Translate(map[string]any{parID: value})
	if err != nil {
		return fmt.Errorf("%s write at cycle %d: %w", parID, cycle, err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	skip := 0
	if p := s.partial; p != nil && p.cycle == cycle && p.value == value {
		skip = p.sent
	}
	s.partial = nil
	for i, key := range keys {
		if i < skip {
			continue
		}
		if err := s.Next.Schedule(ctx, key, values[key], cycle); err != nil {
			s.partial = &presetProgress{value: value, cycle: cycle, sent: i}
			return err
		}
	}
	return nil
}
