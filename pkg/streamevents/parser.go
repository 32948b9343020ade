package streamevents

import (
	"encoding/json"
	"strings"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

// ParseLine converts one raw log line from a worker container into a
// stream event. It first attempts a structured decode: if the line is a
// JSON object carrying a "type" or "event" field whose value names a known
// variant, that object (minus the type/event key) becomes the event's
// payload. Any line that doesn't decode that way becomes a logs event
// carrying the line's text with surrounding whitespace trimmed, so no worker output is ever silently
// dropped. Empty lines (after trimming) are dropped entirely and ParseLine
// returns ok=false.
func ParseLine(line string) (gpuengine.StreamEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return gpuengine.StreamEvent{}, false
	}

	if event, ok := parseStructured(trimmed); ok {
		return event, true
	}

	return Logs(trimmed, "info"), true
}

func parseStructured(line string) (gpuengine.StreamEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return gpuengine.StreamEvent{}, false
	}

	variant, ok := variantField(raw)
	if !ok || !knownVariants[variant] {
		return gpuengine.StreamEvent{}, false
	}

	delete(raw, "type")
	delete(raw, "event")

	return gpuengine.StreamEvent{Variant: variant, Data: raw}, true
}

func variantField(raw map[string]any) (gpuengine.EventVariant, bool) {
	for _, key := range []string{"type", "event"} {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok {
				return gpuengine.EventVariant(s), true
			}
		}
	}
	return "", false
}
