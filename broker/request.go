package broker

// Reply is the single-shot result delivered for any request kind.
type Reply[T any] struct {
	Value T
	Err   error
}

// replySink is implemented by every concrete request type; it lets the
// service loop send a best-effort reply without knowing T up front.
type replySink interface {
	// isRequest is unexported so Request stays closed to this package:
	// only the variants declared here may satisfy it.
	isRequest()
}

// Request is the closed sum type of operations the service loop accepts
// (spec §6). Exactly one concrete type below satisfies it.
type Request interface {
	replySink
}

// CreatePageRequest allocates a new page id. No server-side state is
// attached to the id; it exists only so a client handle can name "the
// page" across Navigate/Evaluate/Screenshot calls against the single
// active engine.
type CreatePageRequest struct {
	Reply chan Reply[uint32]
}

func (CreatePageRequest) isRequest() {}

// NavigateRequest drives the active engine to URL. OptsJSON is forwarded
// verbatim to the engine. Reply carries the navigate metadata JSON
// (stamped with migrated=true on successful escalation).
type NavigateRequest struct {
	PageID   uint32
	URL      string
	OptsJSON string
	Reply    chan Reply[string]
}

func (NavigateRequest) isRequest() {}

// EvaluateRequest runs Script in the active engine's page context.
type EvaluateRequest struct {
	PageID uint32
	Script string
	Reply  chan Reply[string]
}

func (EvaluateRequest) isRequest() {}

// ScreenshotRequest captures the active engine's current page.
type ScreenshotRequest struct {
	PageID uint32
	Reply  chan Reply[[]byte]
}

func (ScreenshotRequest) isRequest() {}

// CloseBrowserRequest closes the active engine and any standby, but
// leaves the loop running.
type CloseBrowserRequest struct {
	Reply chan Reply[struct{}]
}

func (CloseBrowserRequest) isRequest() {}

// ShutdownRequest does everything CloseBrowserRequest does, then
// terminates the loop.
type ShutdownRequest struct {
	Reply chan Reply[struct{}]
}

func (ShutdownRequest) isRequest() {}

// StatusRequest is an ambient addition (not part of spec §6's client
// surface): opsapi's /statez handler enqueues one of these on the same
// single-consumer queue so its snapshot reflects actually-applied state
// rather than a racy peek at State from another goroutine.
type StatusRequest struct {
	Reply chan Reply[Snapshot]
}

func (StatusRequest) isRequest() {}
