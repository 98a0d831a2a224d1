// Package handoff implements the five-step escalation procedure that
// replaces a failing primary engine with a freshly constructed secondary
// (spec §4.4): Extract, Construct, Bootstrap navigate, conditional
// Import, Final navigate. The whole procedure runs under a single wall
// clock budget; if it does not finish in time, the primary's own result
// stands and the secondary (if any) is torn down.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/migration"
)

// Handoff owns the dependencies needed to construct a secondary engine.
type Handoff struct {
	Factory engine.EngineFactory
}

// New creates a Handoff against factory.
func New(factory engine.EngineFactory) *Handoff {
	return &Handoff{Factory: factory}
}

// Result is the outcome of a completed handoff attempt.
type Result struct {
	// Secondary is the new active engine. The caller owns it and must
	// Close it eventually (on a later escalation, or at Shutdown).
	Secondary engine.Engine
	// Navigate is the final navigate's result, suitable for stamping
	// migrated=true and replying to the client.
	Navigate engine.NavigateResult
}

// Run executes the five-step procedure against target, extracting state
// from primary first. budget bounds the entire attempt; if ctx is
// cancelled or the budget elapses before completion, Run returns the
// context error wrapped, closes any secondary it constructed, and the
// caller falls back to the primary's own result (spec §8 scenario 6).
func (h *Handoff) Run(ctx context.Context, primary engine.Engine, target string, opts engine.NavigateOptions, budget time.Duration) (Result, error) {
	attemptID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	log := slog.With("attempt", attemptID, "target", target)

	// Step 1: Extract.
	env, err := primary.ExtractState(ctx)
	if err != nil {
		log.Warn("handoff: extract failed", "error", err)
		return Result{}, fmt.Errorf("handoff: extract: %w", err)
	}

	// Step 2: Construct.
	secondary, err := h.Factory.CreateForEscalation(ctx, target)
	if err != nil {
		return Result{}, fmt.Errorf("handoff: construct: %w", err)
	}

	result, err := runBootstrapImportFinal(ctx, secondary, target, opts, env, log)
	if err != nil {
		if closeErr := secondary.Close(context.Background()); closeErr != nil {
			log.Warn("handoff: closing abandoned secondary failed", "error", closeErr)
		}
		return Result{}, err
	}

	log.Info("handoff: succeeded")
	return Result{Secondary: secondary, Navigate: result}, nil
}

// runBootstrapImportFinal covers steps 3-5. Steps 4 (import) and 5 (final
// navigate) are skipped entirely when env carries no state to transfer
// (migration.Envelope.Empty): the bootstrap navigate already stands as
// the final result.
func runBootstrapImportFinal(ctx context.Context, secondary engine.Engine, target string, opts engine.NavigateOptions, env migration.Envelope, log *slog.Logger) (engine.NavigateResult, error) {
	bootstrap, err := secondary.Navigate(ctx, target, opts)
	if err != nil {
		return engine.NavigateResult{}, fmt.Errorf("handoff: bootstrap navigate: %w", err)
	}

	if env.Empty() {
		return bootstrap, nil
	}

	if err := secondary.ImportState(ctx, env); err != nil {
		// Engine.ImportState only returns an error when every entry
		// failed; a fully failed import still leaves the secondary
		// usable, just without carried-over session state, so the
		// final navigate proceeds rather than aborting the handoff.
		log.Warn("handoff: import state failed entirely, continuing without it", "error", err)
	}

	final, err := secondary.Navigate(ctx, target, opts)
	if err != nil {
		return engine.NavigateResult{}, fmt.Errorf("handoff: final navigate: %w", err)
	}
	return final, nil
}
