package componistd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Drainer hands out the writes that became due since the last call.
type Drainer interface {
	Drain() []dispatch.Write
}

// Server implements ComponistServiceServer for one scheduling session.
type Server struct {
	conductor *conductor.Conductor
	routine   *scheduler.Routine
	writes    Drainer
	logger    zerolog.Logger
	startedAt time.Time
	version   string
	limiter   *RateLimiter

	// reports are handled one at a time so that each reply carries exactly
	// the writes its resume produced
	mu       sync.Mutex
	reports  int64
	done     chan struct{}
	doneOnce sync.Once
	cause    error
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithVersion sets the daemon version.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithWrites sets the source of writes returned in ReportCycle replies.
func WithWrites(writes Drainer) ServerOption {
	return func(s *Server) {
		s.writes = writes
	}
}

// NewServer creates the service implementation.
func NewServer(cond *conductor.Conductor, routine *scheduler.Routine, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		conductor: cond,
		routine:   routine,
		logger:    logger,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Done is closed once the session has ended.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown ends the session with the status implied by cause. Only the
// first call has an effect.
func (s *Server) Shutdown(ctx context.Context, cause error) {
	s.doneOnce.Do(func() {
		s.cause = cause
		s.conductor.Finish(ctx, cause)
		close(s.done)
	})
}

// Err returns the cause the session ended with. It is nil while the
// session runs and after a clean finish.
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

// ReportCycle observes one instrument cycle. Fields: cycle (required),
// run, step, action, stopped.
func (s *Server) ReportCycle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	event, err := parseCycleEvent(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, status.Error(codes.FailedPrecondition, "session has ended")
	default:
	}
	s.reports++

	if event.Stopped && !s.conductor.Observed() {
		s.logger.Debug().Int64("cycle", event.Cycle).Msg("ignoring stop before first cycle")
		return newReply(conductor.Result{}, nil)
	}
	if event.Stopped {
		s.logger.Info().Int64("cycle", event.Cycle).Msg("measurement stopped")
		s.Shutdown(ctx, nil)
		return newReply(conductor.Result{Finished: true}, nil)
	}

	result, err := s.conductor.Observe(ctx, event)
	if err != nil {
		s.logger.Error().Err(err).Int64("cycle", event.Cycle).Msg("schedule failed")
		s.Shutdown(ctx, err)
		return nil, status.Errorf(codes.Internal, "schedule failed: %v", err)
	}

	var writes []dispatch.Write
	if s.writes != nil {
		writes = s.writes.Drain()
	}
	if result.Finished {
		s.Shutdown(ctx, nil)
	}
	return newReply(result, writes)
}

// Status reports the routine statistics.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	reports := s.reports
	s.mu.Unlock()

	stats := s.routine.Stats()
	fields := map[string]any{
		"version":          s.version,
		"uptime_seconds":   time.Since(s.startedAt).Seconds(),
		"reports":          reports,
		"resumes":          stats.Resumes,
		"dispatched":       stats.Dispatched,
		"failures":         stats.Failures,
		"clamped":          stats.Clamped,
		"last_cycle":       stats.LastCycle,
		"next_cycle":       stats.NextCycle,
		"wake_hint":        stats.WakeHint,
		"exhausted":        stats.Exhausted,
		"steps_completed":  s.conductor.StepsCompleted(),
		"foresight_cycles": s.routine.ForesightCycles(),
	}
	if s.limiter != nil && s.limiter.IsEnabled() {
		limits := make([]any, 0, len(DefaultRateLimits))
		for _, ms := range s.limiter.Stats() {
			limits = append(limits, map[string]any{
				"method":    ms.Method,
				"available": ms.Available,
				"requests":  ms.TotalRequests,
				"denied":    ms.DeniedRequests,
			})
		}
		fields["rate_limits"] = limits
	}
	reply, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return reply, nil
}

// Ping returns the server time.
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	return timestamppb.Now(), nil
}

func parseCycleEvent(req *structpb.Struct) (conductor.CycleEvent, error) {
	if req == nil {
		return conductor.CycleEvent{}, errors.New("request is required")
	}
	fields := req.GetFields()

	var event conductor.CycleEvent
	cycle, ok, err := intField(fields, "cycle")
	if err != nil {
		return event, err
	}
	if !ok {
		return event, errors.New("cycle is required")
	}
	if cycle < 0 {
		return event, fmt.Errorf("cycle must not be negative, got %d", cycle)
	}
	event.Cycle = cycle

	for name, dst := range map[string]*int64{"run": &event.Run, "step": &event.Step, "action": &event.Action} {
		value, _, err := intField(fields, name)
		if err != nil {
			return event, err
		}
		*dst = value
	}

	if v, ok := fields["stopped"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return event, errors.New("stopped must be a boolean")
		}
		event.Stopped = b.BoolValue
	}
	return event, nil
}

func intField(fields map[string]*structpb.Value, name string) (int64, bool, error) {
	v, ok := fields[name]
	if !ok {
		return 0, false, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, true, fmt.Errorf("%s must be a number", name)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, true, fmt.Errorf("%s must be an integer, got %v", name, n.NumberValue)
	}
	return int64(n.NumberValue), true, nil
}

func newReply(result conductor.Result, writes []dispatch.Write) (*structpb.Struct, error) {
	items := make([]any, 0, len(writes))
	for _, w := range writes {
		items = append(items, map[string]any{
			"par_id": w.ParID,
			"value":  w.Value,
			"cycle":  w.Cycle,
		})
	}

	fields := map[string]any{
		"wake_hint":  result.WakeHint,
		"dispatched": result.Dispatched,
		"finished":   result.Finished,
		"writes":     items,
	}
	if result.Completed != nil {
		fields["completed_run"] = result.Completed.Run
		fields["completed_step"] = result.Completed.Step
	}

	reply, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return reply, nil
}
