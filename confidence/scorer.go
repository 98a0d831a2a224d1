package confidence

import "math"

// DefaultEscalationThreshold is the overall score below which a navigation
// with no explicit failure reason is still escalated (spec §4.1, §6).
const DefaultEscalationThreshold = 0.60

// FailureKind enumerates the classified reasons a navigation failed. The
// zero value, FailureNone, means no failure was classified.
type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureZeroPaint
	FailureSpaPrehydrationStall
	FailureJsCrashLoop
	FailureNetworkStarvation
	FailureCssLayoutCollapse
	FailureSlowExecution
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureZeroPaint:
		return "zero_paint"
	case FailureSpaPrehydrationStall:
		return "spa_prehydration_stall"
	case FailureJsCrashLoop:
		return "js_crash_loop"
	case FailureNetworkStarvation:
		return "network_starvation"
	case FailureCssLayoutCollapse:
		return "css_layout_collapse"
	case FailureSlowExecution:
		return "slow_execution"
	default:
		return "unknown"
	}
}

// FailureReason is the closed tagged variant from spec §3. Only the payload
// field matching Kind is meaningful:
//
//	JsCrashLoop          -> ErrorCount
//	NetworkStarvation    -> Failed
//	SlowExecution        -> Ms
type FailureReason struct {
	Kind       FailureKind
	ErrorCount uint32
	Failed     uint32
	Ms         uint64
}

// DecisionKind enumerates the routing decisions the scorer can emit.
// DecisionRetry is declared but never emitted today (spec §9 Open Question
// a) — it exists so the type stays closed and total if a future scorer
// gains that capability.
type DecisionKind uint8

const (
	DecisionStay DecisionKind = iota
	DecisionEscalate
	DecisionRetry
)

// Decision is the closed tagged variant from spec §3.
type Decision struct {
	Kind     DecisionKind
	Reason   FailureReason // meaningful only when Kind == DecisionEscalate
	PatchIDs []string      // meaningful only when Kind == DecisionRetry; unused today
}

// Report is the scorer's full output for one navigation.
type Report struct {
	PaintScore   float64
	DOMScore     float64
	JSScore      float64
	NetworkScore float64
	Overall      float64
	Reason       FailureReason // Kind == FailureNone if no failure was classified
	Decision     Decision
}

// Config holds the scorer's single tunable (spec §4.1, §6).
type Config struct {
	EscalationThreshold float64
}

// DefaultConfig returns the scorer's default tunables.
func DefaultConfig() Config {
	return Config{EscalationThreshold: DefaultEscalationThreshold}
}

// Score computes the full Report for the given signal vector. It is pure,
// synchronous, and stateless aside from cfg.
func Score(s Signals, cfg Config) Report {
	threshold := cfg.EscalationThreshold
	if threshold == 0 {
		threshold = DefaultEscalationThreshold
	}

	paint := paintScore(s)
	dom := domScore(s)
	js := jsScore(s)
	network := networkScore(s)
	overall := 0.35*paint + 0.30*dom + 0.25*js + 0.10*network

	reason := classify(s, paint, dom)

	var decision Decision
	switch {
	case reason.Kind != FailureNone:
		decision = Decision{Kind: DecisionEscalate, Reason: reason}
	case overall >= threshold:
		decision = Decision{Kind: DecisionStay}
	default:
		// Confidence-only escalation: no specific failure rule matched but
		// the overall score still missed the bar. ZeroPaint is the sentinel
		// reason per spec §4.1.
		decision = Decision{Kind: DecisionEscalate, Reason: FailureReason{Kind: FailureZeroPaint}}
	}

	return Report{
		PaintScore:   paint,
		DOMScore:     dom,
		JSScore:      js,
		NetworkScore: network,
		Overall:      overall,
		Reason:       reason,
		Decision:     decision,
	}
}

func paintScore(s Signals) float64 {
	if !s.HasPaint() {
		return 0.0
	}
	ms := s.PaintMs()
	switch {
	case s.PaintElementCount == 0:
		return 0.1
	case ms > 8000:
		return 0.3
	case ms > 3000:
		return 0.6
	default:
		return 0.6 + 0.4*math.Min(float64(s.PaintElementCount)/100, 1)
	}
}

func domScore(s Signals) float64 {
	switch {
	case s.DOMElementCount < 5 && s.BodyTextLength < 50:
		return 0.2
	case s.DOMElementCount < 20:
		return 0.5
	default:
		return math.Min(0.5+float64(s.DOMElementCount)/200, 1)
	}
}

func jsScore(s Signals) float64 {
	score := 1.0
	score -= 0.15 * float64(s.UnhandledPromiseRejections)
	score -= 0.05 * float64(s.ConsoleErrorCount)
	score -= 0.10 * float64(s.JSErrors)
	return math.Max(score, 0)
}

func networkScore(s Signals) float64 {
	score := 1.0
	score -= math.Min(0.05*float64(s.PendingRequestsAtSample), 0.3)
	score -= math.Min(0.10*float64(s.CORSViolations), 0.4)
	score -= math.Min(0.03*float64(s.FailedResourceCount), 0.2)
	return math.Max(score, 0)
}

// classify applies the ordered failure rules from spec §4.1. First match
// wins; the ordering here is itself a testable property (higher-priority
// rules must always win over lower ones given the same signals).
func classify(s Signals, paint, dom float64) FailureReason {
	switch {
	case paint == 0.0:
		return FailureReason{Kind: FailureZeroPaint}
	case dom <= 0.2:
		return FailureReason{Kind: FailureSpaPrehydrationStall}
	case s.JSErrors > 3 || s.UnhandledPromiseRejections > 2:
		return FailureReason{Kind: FailureJsCrashLoop, ErrorCount: s.JSErrors}
	case s.FailedResourceCount > 5 || s.CORSViolations > 2:
		return FailureReason{Kind: FailureNetworkStarvation, Failed: s.FailedResourceCount}
	case s.CSSParseFailures > 3:
		return FailureReason{Kind: FailureCssLayoutCollapse}
	case s.JSExecutionTimeMs > 5000:
		return FailureReason{Kind: FailureSlowExecution, Ms: s.JSExecutionTimeMs}
	default:
		return FailureReason{Kind: FailureNone}
	}
}
