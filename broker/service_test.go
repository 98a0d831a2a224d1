package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/buger/jsonparser"

	"github.com/nyigoro/pneuma/confidence"
	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/migration"
)

// scriptedEngine is a minimal engine.Engine fake driven by a queue of
// canned Navigate results/errors, for exercising Service's decision path
// without a real browser.
type scriptedEngine struct {
	name       string
	navigates  []navigateStep
	callIndex  int
	closed     bool
	closeErr   error
	extractErr error
}

type navigateStep struct {
	metadata string
	err      error
}

func (e *scriptedEngine) Navigate(ctx context.Context, url string, opts engine.NavigateOptions) (engine.NavigateResult, error) {
	if e.callIndex >= len(e.navigates) {
		return engine.NavigateResult{}, fmt.Errorf("%s: no more scripted navigates", e.name)
	}
	step := e.navigates[e.callIndex]
	e.callIndex++
	if step.err != nil {
		return engine.NavigateResult{}, step.err
	}
	return engine.NavigateResult{OK: true, Metadata: []byte(step.metadata)}, nil
}

func (e *scriptedEngine) Evaluate(ctx context.Context, script string) ([]byte, error) {
	return []byte(`"ok"`), nil
}

func (e *scriptedEngine) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0xFF}, nil
}

func (e *scriptedEngine) Close(ctx context.Context) error {
	e.closed = true
	return e.closeErr
}

func (e *scriptedEngine) ExtractState(ctx context.Context) (migration.Envelope, error) {
	if e.extractErr != nil {
		return migration.Envelope{}, e.extractErr
	}
	return migration.Envelope{SourceEngine: e.name}, nil
}

func (e *scriptedEngine) ImportState(ctx context.Context, env migration.Envelope) error {
	return nil
}

const healthyMetadata = `{"ok":true,"engine":"rod","title":"Example Domain","paint_element_count":80,"dom_element_count":150,"body_text_length":500,"first_paint_ms":400}`

const deadMetadata = `{"ok":true,"engine":"rod","title":""}`

type stubFactory struct {
	engine engine.Engine
	err    error
}

func (f *stubFactory) CreateForEscalation(ctx context.Context, target string) (engine.Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

func newTestService(t *testing.T, active engine.Engine, factory engine.EngineFactory) *Service {
	t.Helper()
	state := NewState(3, 30*time.Second)
	return NewService(active, factory, state, confidence.DefaultConfig(), 2*time.Second, 4)
}

func runServiceUntilIdle(t *testing.T, svc *Service) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestService_Navigate_HealthyStaysOnPrimary(t *testing.T) {
	primary := &scriptedEngine{name: "primary", navigates: []navigateStep{{metadata: healthyMetadata}}}
	svc := newTestService(t, primary, &stubFactory{err: errors.New("should not be called")})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()
	got, err := h.Navigate(ctx, 1, "https://example.com", "{}")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if got != healthyMetadata {
		t.Fatalf("expected primary metadata unchanged, got %q", got)
	}

	snap, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Role != RolePrimary {
		t.Fatalf("expected role to remain primary, got %v", snap.Role)
	}
}

// deadMetadata has ok=true but no title, so ParseSignals gives it the
// default paint time and zero DOM/text: it escalates as
// SpaPrehydrationStall.
func TestService_Navigate_EscalatesOnEmptyPage(t *testing.T) {
	primary := &scriptedEngine{name: "primary", navigates: []navigateStep{{metadata: deadMetadata}}}
	secondary := &scriptedEngine{name: "secondary", navigates: []navigateStep{{metadata: healthyMetadata}}}
	svc := newTestService(t, primary, &stubFactory{engine: secondary})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()
	got, err := h.Navigate(ctx, 1, "https://example.com", "{}")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if got == deadMetadata {
		t.Fatal("expected escalated metadata, got primary's unescalated result")
	}

	snap, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Role != RoleSecondaryProxy {
		t.Fatalf("expected role SecondaryProxy after escalation, got %v", snap.Role)
	}
	if !snap.StandbyPresent {
		t.Fatal("expected former primary retained as standby after escalation")
	}
	if primary.closed {
		t.Fatal("expected former primary to be kept alive as standby, not closed")
	}
}

func TestService_Navigate_HandoffFailureFallsBackToPrimary(t *testing.T) {
	primary := &scriptedEngine{name: "primary", navigates: []navigateStep{{metadata: deadMetadata}}}
	svc := newTestService(t, primary, &stubFactory{err: errors.New("spawn failed")})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()
	got, err := h.Navigate(ctx, 1, "https://example.com", "{}")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if got != deadMetadata {
		t.Fatalf("expected primary metadata to stand after failed handoff, got %q", got)
	}

	snap, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Role != RolePrimary {
		t.Fatalf("expected role to remain primary after failed handoff, got %v", snap.Role)
	}
	if snap.InBackoff {
		t.Fatal("expected no backoff: a failed handoff attempt causes no broker state change")
	}
	if snap.StandbyPresent {
		t.Fatal("expected no standby: the handoff never reached a constructed secondary being adopted")
	}
}

func TestService_Navigate_StampsMigratedOnOrdinarySecondaryProxyReplies(t *testing.T) {
	primary := &scriptedEngine{name: "primary", navigates: []navigateStep{{metadata: deadMetadata}}}
	secondary := &scriptedEngine{name: "secondary", navigates: []navigateStep{
		{metadata: healthyMetadata},
		{metadata: healthyMetadata},
	}}
	svc := newTestService(t, primary, &stubFactory{engine: secondary})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()

	if _, err := h.Navigate(ctx, 1, "https://example.com", "{}"); err != nil {
		t.Fatalf("first navigate (triggers escalation): %v", err)
	}

	got, err := h.Navigate(ctx, 1, "https://example.com", "{}")
	if err != nil {
		t.Fatalf("second navigate: %v", err)
	}
	migrated, err := jsonparser.GetBoolean([]byte(got), "migrated")
	if err != nil {
		t.Fatalf("expected migrated key present on ordinary SecondaryProxy reply: %v", err)
	}
	if !migrated {
		t.Fatal("expected migrated=true on ordinary SecondaryProxy reply")
	}
}

func TestService_Rollback_SwapsActiveBackToStandby(t *testing.T) {
	primary := &scriptedEngine{name: "primary", navigates: []navigateStep{{metadata: deadMetadata}}}
	secondary := &scriptedEngine{name: "secondary", navigates: []navigateStep{
		{metadata: healthyMetadata},
		{err: errors.New("secondary fetch failed")},
		{err: errors.New("secondary fetch failed")},
		{err: errors.New("secondary fetch failed")},
	}}
	svc := newTestService(t, primary, &stubFactory{engine: secondary})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()

	if _, err := h.Navigate(ctx, 1, "https://example.com", "{}"); err != nil {
		t.Fatalf("first navigate (triggers escalation): %v", err)
	}
	snap, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Role != RoleSecondaryProxy {
		t.Fatalf("expected role SecondaryProxy after escalation, got %v", snap.Role)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.Navigate(ctx, 1, "https://example.com", "{}"); err == nil {
			t.Fatalf("expected secondary navigate %d to fail", i)
		}
	}

	if !secondary.closed {
		t.Fatal("expected exhausted secondary to be closed on rollback")
	}
	if primary.closed {
		t.Fatal("expected former primary (the standby) to survive rollback as the new active")
	}

	snap, err = h.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Role != RolePrimary {
		t.Fatalf("expected role Primary after rollback, got %v", snap.Role)
	}
	if snap.StandbyPresent {
		t.Fatal("expected standby cleared after rollback")
	}
	if !snap.InBackoff {
		t.Fatal("expected post-rollback backoff to be active")
	}
}

func TestService_CreatePage_AllocatesIncreasingIDs(t *testing.T) {
	primary := &scriptedEngine{name: "primary"}
	svc := newTestService(t, primary, &stubFactory{})
	stop := runServiceUntilIdle(t, svc)
	defer stop()

	h := svc.Handle()
	ctx := context.Background()
	first, err := h.CreatePage(ctx)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	second, err := h.CreatePage(ctx)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", first, second)
	}
}

func TestService_Shutdown_ClosesActiveAndStopsLoop(t *testing.T) {
	primary := &scriptedEngine{name: "primary"}
	svc := newTestService(t, primary, &stubFactory{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	h := svc.Handle()
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected loop to stop after shutdown")
	}
	if !primary.closed {
		t.Fatal("expected active engine to be closed on shutdown")
	}
}
