package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nyigoro/pneuma/confidence"
	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/handoff"
	"github.com/nyigoro/pneuma/wire"
)

// errNoActiveEngine is returned when a request arrives with no active
// engine held, e.g. after CloseBrowser and before a new Navigate.
var errNoActiveEngine = errors.New("broker: no active engine")

// Service is the single-consumer loop that owns the active engine and, if
// a handoff has succeeded, the standby (the former active, kept alive so
// a later rollback can swap back to it per spec §4.3's apply_rollback).
// Service is the only goroutine that ever touches either engine, so no
// engine operation needs its own locking.
type Service struct {
	queue   chan Request
	state   *State
	handoff *handoff.Handoff

	scorerConfig      confidence.Config
	escalationTimeout time.Duration

	active  engine.Engine
	standby engine.Engine

	metrics *Metrics
	log     *slog.Logger
}

// NewService wires a Service around an already-constructed primary
// engine. QueueSize bounds how many in-flight requests may be pending
// before callers block on submit.
func NewService(active engine.Engine, factory engine.EngineFactory, state *State, scorerConfig confidence.Config, escalationTimeout time.Duration, queueSize int) *Service {
	return &Service{
		queue:             make(chan Request, queueSize),
		state:             state,
		handoff:           handoff.New(factory),
		scorerConfig:      scorerConfig,
		escalationTimeout: escalationTimeout,
		active:            active,
		metrics:           NewMetrics(),
		log:               slog.With("component", "broker.Service"),
	}
}

// Handle returns a client handle bound to this service's queue.
func (s *Service) Handle() *Handle {
	return NewHandle(s.queue)
}

// Metrics returns the service's counters. Safe to read concurrently from
// opsapi's /metricsz handler; every counter is atomic.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Run drains the request queue until a ShutdownRequest is processed or
// ctx is cancelled. It is the only goroutine permitted to touch the
// active/standby engines.
func (s *Service) Run(ctx context.Context) {
	defer s.closeAll(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.queue:
			if !ok {
				return
			}
			if !s.dispatch(ctx, req) {
				return
			}
		}
	}
}

// dispatch handles one request and reports whether the loop should keep
// running.
func (s *Service) dispatch(ctx context.Context, req Request) bool {
	switch r := req.(type) {
	case CreatePageRequest:
		s.metrics.recordRequest("create_page")
		reply(r.Reply, s.state.NextPage(), nil)
	case NavigateRequest:
		s.metrics.recordRequest("navigate")
		result, err := s.handleNavigate(ctx, r)
		reply(r.Reply, result, err)
	case EvaluateRequest:
		s.metrics.recordRequest("evaluate")
		result, err := s.handleEvaluate(ctx, r)
		reply(r.Reply, result, err)
	case ScreenshotRequest:
		s.metrics.recordRequest("screenshot")
		result, err := s.handleScreenshot(ctx, r)
		reply(r.Reply, result, err)
	case CloseBrowserRequest:
		s.metrics.recordRequest("close_browser")
		s.closeAll(ctx)
		reply(r.Reply, struct{}{}, nil)
	case ShutdownRequest:
		s.metrics.recordRequest("shutdown")
		s.closeAll(ctx)
		reply(r.Reply, struct{}{}, nil)
		return false
	case StatusRequest:
		s.metrics.recordRequest("status")
		reply(r.Reply, s.state.Snapshot(), nil)
	default:
		s.log.Warn("broker: unknown request type", "type", req)
	}
	return true
}

func reply[T any](ch chan Reply[T], value T, err error) {
	select {
	case ch <- Reply[T]{Value: value, Err: err}:
	default:
		// Reply channels are always buffered by 1 and never read twice;
		// a full channel here means the caller already gave up.
	}
}

// handleNavigate is spec §4.5's central decision path: navigate on the
// active engine, record its health against State, score the result, and
// either stay or run a bounded handoff attempt to replace the active
// engine with a secondary.
func (s *Service) handleNavigate(ctx context.Context, r NavigateRequest) (string, error) {
	if s.active == nil {
		return "", errNoActiveEngine
	}

	opts := engine.NavigateOptions{Raw: []byte(r.OptsJSON)}
	result, err := s.active.Navigate(ctx, r.URL, opts)
	if err != nil {
		s.recordNavigateOutcome(false)
		return "", err
	}
	s.recordNavigateOutcome(true)

	metadata := result.Metadata
	if s.state.Role() == RoleSecondaryProxy {
		metadata = s.stampMigratedOrWarn(metadata)
	}

	signals := wire.ParseSignals(metadata)
	report := confidence.Score(signals, s.scorerConfig)
	s.metrics.recordDecision(report.Reason.Kind)

	if report.Decision.Kind != confidence.DecisionEscalate || s.state.ShouldSkipEscalation() {
		return string(metadata), nil
	}

	escalated, ok := s.attemptHandoff(ctx, r.URL, opts)
	if !ok {
		return string(metadata), nil
	}
	return string(escalated), nil
}

// stampMigratedOrWarn stamps migrated:true, falling back to the
// unstamped metadata (with a warning) if stamping fails rather than
// dropping the reply.
func (s *Service) stampMigratedOrWarn(metadata []byte) []byte {
	stamped, err := wire.StampMigrated(metadata, true)
	if err != nil {
		s.log.Warn("broker: stamping migrated=true failed, using unstamped metadata", "error", err)
		return metadata
	}
	return stamped
}

// recordNavigateOutcome updates the failure-budget counter and, if the
// active engine is currently serving as SecondaryProxy and the budget is
// now exhausted, rolls back per spec §4.3's apply_rollback: active swaps
// back to the standby (the former primary), role returns to Primary, and
// escalation is suppressed for the configured backoff window. The
// degraded secondary is closed best-effort once the swap is done.
func (s *Service) recordNavigateOutcome(success bool) {
	if success {
		s.state.RecordSuccess()
		return
	}
	exhausted := s.state.RecordFailure()
	if budgetExhaustedWhileSecondary(s.state, exhausted) {
		s.log.Warn("broker: secondary proxy exhausted its failure budget, rolling back")
		s.metrics.recordRollback()

		degraded := s.active
		s.active = s.standby
		s.standby = nil
		s.state.ApplyRollback()

		if degraded != nil {
			if err := degraded.Close(context.Background()); err != nil {
				s.log.Warn("broker: closing exhausted secondary failed", "error", err)
			}
		}
	}
}

// attemptHandoff runs the bounded escalation procedure and, on success,
// adopts the secondary as the new active engine while retaining the
// former active as standby (spec §4.3's apply_escalation: "standby ←
// former active"), so a later rollback can swap back to it. It reports
// ok=false on any failure or timeout, in which case the caller's
// already-produced primary result stands and no state changes (spec
// §4.4, §8 scenario 6).
func (s *Service) attemptHandoff(ctx context.Context, target string, opts engine.NavigateOptions) ([]byte, bool) {
	s.metrics.recordHandoffAttempt()

	result, err := s.handoff.Run(ctx, s.active, target, opts, s.escalationTimeout)
	if err != nil {
		s.log.Warn("broker: handoff failed, staying on primary", "error", err)
		s.metrics.recordHandoffResult(false)
		return nil, false
	}
	s.metrics.recordHandoffResult(true)

	s.standby = s.active
	s.active = result.Secondary
	s.state.ApplyEscalation()

	return s.stampMigratedOrWarn(result.Navigate.Metadata), true
}

func (s *Service) handleEvaluate(ctx context.Context, r EvaluateRequest) (string, error) {
	if s.active == nil {
		return "", errNoActiveEngine
	}
	out, err := s.active.Evaluate(ctx, r.Script)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Service) handleScreenshot(ctx context.Context, r ScreenshotRequest) ([]byte, error) {
	if s.active == nil {
		return nil, errNoActiveEngine
	}
	return s.active.Screenshot(ctx)
}

// closeAll closes the active engine and, if present, the standby (spec
// §4.5: "CloseBrowser: close active engine; close standby if present").
func (s *Service) closeAll(ctx context.Context) {
	if s.active != nil {
		if err := s.active.Close(ctx); err != nil {
			s.log.Warn("broker: closing active engine failed", "error", err)
		}
		s.active = nil
	}
	if s.standby != nil {
		if err := s.standby.Close(ctx); err != nil {
			s.log.Warn("broker: closing standby engine failed", "error", err)
		}
		s.standby = nil
	}
}
