// Package engine defines the capability interfaces the broker core
// depends on: an abstract browser session (Engine) and an abstract
// constructor for secondary sessions during escalation (EngineFactory).
// The broker never knows or cares how a conforming Engine talks to the
// real browser; it stores one owned handle behind this interface.
package engine

import (
	"context"
	"time"

	"github.com/nyigoro/pneuma/migration"
)

// NavigateOptions carries the serialized options a navigate call accepts.
// The broker treats this as opaque and forwards it verbatim to Engine and,
// during a handoff, to the secondary's bootstrap and final navigates.
type NavigateOptions struct {
	Raw []byte // opts_json from the wire request, forwarded verbatim
}

// NavigateResult is the navigate call's outcome. Metadata is the full JSON
// object the wire protocol requires (spec §6); OK/Engine/Title are pulled
// out because the broker itself inspects them (to stamp `migrated` and to
// run the scorer).
type NavigateResult struct {
	OK       bool
	Engine   string
	Title    string
	Metadata []byte // full JSON object, including ok/engine/title/migrated
}

// Engine is the capability contract a conforming browser session must
// implement. All operations may suspend on network or process I/O; ctx
// governs cancellation/deadline for each individual call.
type Engine interface {
	// Navigate drives the session to url, blocks until a title-ready
	// condition or a bounded internal deadline, and returns metadata
	// carrying at minimum ok/engine/title plus the scorer's probe fields.
	Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error)

	// Evaluate runs script in the page context and returns its serialized
	// value.
	Evaluate(ctx context.Context, script string) ([]byte, error)

	// Screenshot captures the current page as image bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the session. Idempotent: calling Close on an
	// already-closed engine must not error.
	Close(ctx context.Context) error

	// ExtractState captures a best-effort portable snapshot of session
	// state. Partial results are permitted; it fails only if both cookie
	// capture and local-storage capture fail.
	ExtractState(ctx context.Context) (migration.Envelope, error)

	// ImportState applies a previously captured snapshot. Must be called
	// only after the engine has navigated into the target origin.
	// Individual entry failures are tolerated; it fails only if every
	// attempted entry failed.
	ImportState(ctx context.Context, env migration.Envelope) error
}

// EngineFactory constructs secondary engines during escalation. It is the
// sole seam for tests: a fake factory can hand the broker a scripted
// secondary without touching a real browser.
type EngineFactory interface {
	// CreateForEscalation constructs a secondary engine suitable for
	// replacing the current primary for target (the navigation target
	// URL). The caller owns the returned Engine and must Close it if
	// escalation is subsequently abandoned.
	CreateForEscalation(ctx context.Context, target string) (Engine, error)
}

// EscalationTimeout bounds the entire five-step handoff procedure
// (spec §4.4, §6).
const EscalationTimeout = 10 * time.Second
