// Package wire implements the broker's JSON boundary: parsing inbound
// navigate metadata into confidence.Signals and stamping outbound
// metadata, both as best-effort merges over a typed defaults record
// rather than strict encoding/json deserialization (spec §4.5, §9). An
// unknown field is ignored; a missing field falls back to the baseline;
// a field present with the wrong JSON type is treated as absent.
package wire

import (
	"math"

	"github.com/buger/jsonparser"

	"github.com/nyigoro/pneuma/confidence"
)

const maxUint32 = math.MaxUint32

// ParseSignals builds the Signals baseline from metadata's ok/title
// fields (spec §4.5), then overrides any of the thirteen recognized
// probe fields present in metadata with their explicit value. Invalid or
// non-object metadata yields the all-defaults (ok=false) baseline.
func ParseSignals(metadata []byte) confidence.Signals {
	var s confidence.Signals

	ok, _ := jsonparser.GetBoolean(metadata, "ok")
	title, _ := jsonparser.GetString(metadata, "title")

	if ok {
		paint := uint64(600)
		s.FirstPaintMs = &paint
	}
	if title != "" {
		s.PaintElementCount = 24
		s.DOMElementCount = 32
		s.DOMDepthMax = 6
		bodyLen := 12 * len(title)
		if bodyLen < 64 {
			bodyLen = 64
		}
		s.BodyTextLength = uint64(bodyLen)
		s.JSExecutionTimeMs = 250
	}

	if v, present := getUint64(metadata, "first_paint_ms"); present {
		s.FirstPaintMs = &v
	}
	if v, present := getUint64(metadata, "paint_element_count"); present {
		s.PaintElementCount = v
	}
	if v, present := getUint64(metadata, "dom_element_count"); present {
		s.DOMElementCount = v
	}
	if v, present := getUint64(metadata, "dom_depth_max"); present {
		s.DOMDepthMax = v
	}
	if v, present := getUint64(metadata, "body_text_length"); present {
		s.BodyTextLength = v
	}
	if v, present := getUint32(metadata, "js_errors"); present {
		s.JSErrors = v
	}
	if v, present := getUint32(metadata, "unhandled_promise_rejections"); present {
		s.UnhandledPromiseRejections = v
	}
	if v, present := getUint32(metadata, "console_error_count"); present {
		s.ConsoleErrorCount = v
	}
	if v, present := getUint64(metadata, "js_execution_time_ms"); present {
		s.JSExecutionTimeMs = v
	}
	if v, present := getUint32(metadata, "failed_resource_count"); present {
		s.FailedResourceCount = v
	}
	if v, present := getUint32(metadata, "cors_violations"); present {
		s.CORSViolations = v
	}
	if v, present := getUint32(metadata, "pending_requests_at_sample"); present {
		s.PendingRequestsAtSample = v
	}
	if v, present := getUint32(metadata, "css_parse_failures"); present {
		s.CSSParseFailures = v
	}

	return s
}

// getUint64 reports the field's value and whether it was present as a
// well-typed, non-negative JSON number. A present-but-wrong-type field is
// reported absent, per spec §9's "ambient properties" extension.
func getUint64(raw []byte, key string) (uint64, bool) {
	n, err := jsonparser.GetInt(raw, key)
	if err != nil || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func getUint32(raw []byte, key string) (uint32, bool) {
	n, present := getUint64(raw, key)
	if !present {
		return 0, false
	}
	if n > maxUint32 {
		n = maxUint32
	}
	return uint32(n), true
}
