// Package confidence implements the broker's navigation-quality scorer: a
// deterministic function from a fixed signal vector to a classified report.
package confidence

// Signals is the post-navigate observation vector. All numeric fields
// default to zero; FirstPaintMs defaults to absent (nil).
type Signals struct {
	// FirstPaintMs is the time to first paint, or nil if no paint was
	// observed at all.
	FirstPaintMs *uint64

	PaintElementCount uint64
	DOMElementCount   uint64
	DOMDepthMax       uint64
	BodyTextLength    uint64

	JSErrors                   uint32
	UnhandledPromiseRejections uint32
	ConsoleErrorCount          uint32
	JSExecutionTimeMs          uint64

	FailedResourceCount     uint32
	CORSViolations          uint32
	PendingRequestsAtSample uint32
	CSSParseFailures        uint32

	SampledAtMs uint64
}

// HasPaint reports whether a first paint was observed.
func (s Signals) HasPaint() bool {
	return s.FirstPaintMs != nil
}

// PaintMs returns the observed first-paint time, or 0 if absent.
func (s Signals) PaintMs() uint64 {
	if s.FirstPaintMs == nil {
		return 0
	}
	return *s.FirstPaintMs
}

// WithPaintMs returns a copy of s with FirstPaintMs set to ms.
func (s Signals) WithPaintMs(ms uint64) Signals {
	s.FirstPaintMs = &ms
	return s
}
