package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Handle methods once the service loop has
// drained its queue and exited.
var ErrClosed = errors.New("broker: service loop closed")

// Handle is the client-facing entry point into a running service loop.
// Any number of goroutines may share a Handle; requests are serialized
// through the loop's single consumer, so callers never race each other
// over the active engine.
type Handle struct {
	queue chan Request
}

// NewHandle wraps a request queue. Service owns the channel and is the
// only reader; NewHandle is exported so tests can construct a Handle
// against a queue they drive by hand.
func NewHandle(queue chan Request) *Handle {
	return &Handle{queue: queue}
}

func submit[T any](ctx context.Context, h *Handle, req Request, reply chan Reply[T]) (T, error) {
	var zero T
	select {
	case h.queue <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r, ok := <-reply:
		if !ok {
			return zero, ErrClosed
		}
		return r.Value, r.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// CreatePage allocates a new page id against the single active engine.
func (h *Handle) CreatePage(ctx context.Context) (uint32, error) {
	reply := make(chan Reply[uint32], 1)
	return submit(ctx, h, CreatePageRequest{Reply: reply}, reply)
}

// Navigate drives the active engine to url, escalating to a secondary
// engine if confidence scoring warrants it, and returns the resulting
// metadata JSON.
func (h *Handle) Navigate(ctx context.Context, pageID uint32, url, optsJSON string) (string, error) {
	reply := make(chan Reply[string], 1)
	req := NavigateRequest{PageID: pageID, URL: url, OptsJSON: optsJSON, Reply: reply}
	return submit(ctx, h, req, reply)
}

// Evaluate runs script in the active engine's current page.
func (h *Handle) Evaluate(ctx context.Context, pageID uint32, script string) (string, error) {
	reply := make(chan Reply[string], 1)
	req := EvaluateRequest{PageID: pageID, Script: script, Reply: reply}
	return submit(ctx, h, req, reply)
}

// Screenshot captures the active engine's current page.
func (h *Handle) Screenshot(ctx context.Context, pageID uint32) ([]byte, error) {
	reply := make(chan Reply[[]byte], 1)
	req := ScreenshotRequest{PageID: pageID, Reply: reply}
	return submit(ctx, h, req, reply)
}

// CloseBrowser closes the active engine and any standby without
// stopping the service loop.
func (h *Handle) CloseBrowser(ctx context.Context) error {
	reply := make(chan Reply[struct{}], 1)
	_, err := submit(ctx, h, CloseBrowserRequest{Reply: reply}, reply)
	return err
}

// Shutdown closes the active engine and any standby, then stops the
// service loop. Subsequent calls on h return ErrClosed.
func (h *Handle) Shutdown(ctx context.Context) error {
	reply := make(chan Reply[struct{}], 1)
	_, err := submit(ctx, h, ShutdownRequest{Reply: reply}, reply)
	return err
}

// Status returns a snapshot of the broker's finite-state machine as of
// the moment the request was processed by the service loop.
func (h *Handle) Status(ctx context.Context) (Snapshot, error) {
	reply := make(chan Reply[Snapshot], 1)
	snap, err := submit(ctx, h, StatusRequest{Reply: reply}, reply)
	if err != nil {
		return Snapshot{}, fmt.Errorf("broker: status: %w", err)
	}
	return snap, nil
}
