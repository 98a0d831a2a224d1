// Package spawnrace races independent ways of obtaining a secondary engine
// — e.g. "pop one from the warm pool" against "spawn a fresh process
// directly" — and returns whichever finishes first, cancelling the rest.
//
// Adapted from the teacher's engine.Dispatcher, which raced multiple fetch
// engines against each other for the same URL; here the competitors are
// strategies for acquiring one engine process rather than engines serving
// one request. Generic over the resource type for the same reason
// procpool is: it must not import the engine package, since engine wires
// spawnrace into its default EngineFactory.
package spawnrace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Strategy produces a resource of type T, or fails.
type Strategy[T any] func(ctx context.Context) (T, error)

// Named pairs a Strategy with a label used only for logging.
type Named[T any] struct {
	Label    string
	Strategy Strategy[T]
}

// ErrAllFailed is returned when every strategy in the race failed.
var ErrAllFailed = errors.New("spawnrace: all strategies failed")

// Race runs every strategy concurrently and returns the first success.
// Losers that finish after a winner has already been chosen have their
// context cancelled; a strategy is responsible for honoring ctx
// cancellation promptly. If every strategy fails, Race returns
// ErrAllFailed wrapping the last observed error.
func Race[T any](ctx context.Context, strategies []Named[T]) (T, string, error) {
	var zero T
	if len(strategies) == 0 {
		return zero, "", ErrAllFailed
	}

	type outcome struct {
		label string
		value T
		err   error
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(strategies))
	var wg sync.WaitGroup

	for _, s := range strategies {
		wg.Add(1)
		go func(n Named[T]) {
			defer wg.Done()
			v, err := n.Strategy(raceCtx)
			if err != nil {
				slog.Debug("spawnrace: strategy failed", "strategy", n.Label, "error", err)
			}
			results <- outcome{label: n.Label, value: v, err: err}
		}(s)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		cancel()
		slog.Debug("spawnrace: strategy won", "strategy", r.label)
		return r.value, r.label, nil
	}

	if lastErr == nil {
		lastErr = ErrAllFailed
	}
	return zero, "", errors.Join(ErrAllFailed, lastErr)
}
