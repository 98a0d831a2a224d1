package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/migration"
)

type fakeEngine struct {
	navigateResults []engine.NavigateResult
	navigateErrs    []error
	navigateCall    int

	extractEnv migration.Envelope
	extractErr error

	importErr error

	closed bool
}

func (e *fakeEngine) Navigate(ctx context.Context, url string, opts engine.NavigateOptions) (engine.NavigateResult, error) {
	i := e.navigateCall
	e.navigateCall++
	if i < len(e.navigateErrs) && e.navigateErrs[i] != nil {
		return engine.NavigateResult{}, e.navigateErrs[i]
	}
	if i < len(e.navigateResults) {
		return e.navigateResults[i], nil
	}
	return engine.NavigateResult{OK: true}, nil
}

func (e *fakeEngine) Evaluate(ctx context.Context, script string) ([]byte, error) { return nil, nil }
func (e *fakeEngine) Screenshot(ctx context.Context) ([]byte, error)              { return nil, nil }

func (e *fakeEngine) Close(ctx context.Context) error {
	e.closed = true
	return nil
}

func (e *fakeEngine) ExtractState(ctx context.Context) (migration.Envelope, error) {
	return e.extractEnv, e.extractErr
}

func (e *fakeEngine) ImportState(ctx context.Context, env migration.Envelope) error {
	return e.importErr
}

type fakeFactory struct {
	engine engine.Engine
	err    error
	delay  time.Duration
}

func (f *fakeFactory) CreateForEscalation(ctx context.Context, target string) (engine.Engine, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

func TestHandoff_Run_EmptyEnvelopeSkipsImportAndFinalNavigate(t *testing.T) {
	primary := &fakeEngine{}
	secondary := &fakeEngine{
		navigateResults: []engine.NavigateResult{{OK: true, Metadata: []byte(`{"ok":true}`)}},
	}
	h := New(&fakeFactory{engine: secondary})

	result, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if secondary.navigateCall != 1 {
		t.Fatalf("expected exactly one navigate with an empty envelope, got %d", secondary.navigateCall)
	}
	if string(result.Navigate.Metadata) != `{"ok":true}` {
		t.Fatalf("unexpected metadata: %s", result.Navigate.Metadata)
	}
}

func TestHandoff_Run_NonEmptyEnvelopeImportsThenNavigatesAgain(t *testing.T) {
	primary := &fakeEngine{
		extractEnv: migration.Envelope{
			Cookies: []migration.Cookie{{Name: "session", Value: "abc"}},
		},
	}
	secondary := &fakeEngine{
		navigateResults: []engine.NavigateResult{
			{OK: true, Metadata: []byte(`{"ok":true,"step":"bootstrap"}`)},
			{OK: true, Metadata: []byte(`{"ok":true,"step":"final"}`)},
		},
	}
	h := New(&fakeFactory{engine: secondary})

	result, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if secondary.navigateCall != 2 {
		t.Fatalf("expected bootstrap + final navigate, got %d calls", secondary.navigateCall)
	}
	if string(result.Navigate.Metadata) != `{"ok":true,"step":"final"}` {
		t.Fatalf("expected final navigate's result, got %s", result.Navigate.Metadata)
	}
}

func TestHandoff_Run_TotalImportFailureStillCompletes(t *testing.T) {
	primary := &fakeEngine{
		extractEnv: migration.Envelope{Cookies: []migration.Cookie{{Name: "a", Value: "b"}}},
	}
	secondary := &fakeEngine{
		navigateResults: []engine.NavigateResult{
			{OK: true, Metadata: []byte(`{"ok":true}`)},
			{OK: true, Metadata: []byte(`{"ok":true}`)},
		},
		importErr: errors.New("all entries failed"),
	}
	h := New(&fakeFactory{engine: secondary})

	_, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err != nil {
		t.Fatalf("expected handoff to tolerate a total import failure, got %v", err)
	}
	if secondary.navigateCall != 2 {
		t.Fatalf("expected final navigate even after import failed, got %d calls", secondary.navigateCall)
	}
}

func TestHandoff_Run_ExtractFailureAborts(t *testing.T) {
	primary := &fakeEngine{extractErr: errors.New("extract boom")}
	h := New(&fakeFactory{engine: &fakeEngine{}})

	_, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err == nil {
		t.Fatal("expected extract failure to abort the handoff")
	}
}

func TestHandoff_Run_ConstructFailureClosesNothingAndReturnsError(t *testing.T) {
	primary := &fakeEngine{}
	h := New(&fakeFactory{err: errors.New("spawn failed")})

	_, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err == nil {
		t.Fatal("expected construct failure to abort the handoff")
	}
	if primary.closed {
		t.Fatal("expected the primary to be left open after a construct failure")
	}
}

// The budget elapses while the factory is still constructing, so no
// secondary is ever handed back and the caller sees the deadline error.
func TestHandoff_Run_TimeoutDuringConstructReturnsDeadlineError(t *testing.T) {
	primary := &fakeEngine{}
	secondary := &fakeEngine{}
	h := New(&fakeFactory{engine: secondary, delay: 50 * time.Millisecond})

	_, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded in the chain, got %v", err)
	}
}

func TestHandoff_Run_BootstrapNavigateFailureClosesSecondary(t *testing.T) {
	primary := &fakeEngine{}
	secondary := &fakeEngine{
		navigateErrs: []error{errors.New("navigate boom")},
	}
	h := New(&fakeFactory{engine: secondary})

	_, err := h.Run(context.Background(), primary, "https://example.com", engine.NavigateOptions{}, time.Second)
	if err == nil {
		t.Fatal("expected bootstrap navigate failure to abort the handoff")
	}
	if !secondary.closed {
		t.Fatal("expected the abandoned secondary to be closed")
	}
}
