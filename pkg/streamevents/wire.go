package streamevents

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

var knownVariants = map[gpuengine.EventVariant]bool{
	gpuengine.EventConnection: true,
	gpuengine.EventWorker:     true,
	gpuengine.EventTextDelta:  true,
	gpuengine.EventText:       true,
	gpuengine.EventLogs:       true,
	gpuengine.EventTaskFinish: true,
}

// WriteTo serializes one event as the wire frame: a tag line naming the
// variant, a JSON data line with the payload, then a blank line. Frames
// are written, not SSE "event:"/"data:" fields, matching this service's
// own simpler line protocol rather than the browser EventSource format.
func WriteTo(w io.Writer, event gpuengine.StreamEvent) error {
	if !knownVariants[event.Variant] {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, event.Variant)
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s\n%s\n\n", event.Variant, payload); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}

// flusher is satisfied by http.Flusher; declared locally so this package
// doesn't import net/http for a one-method interface.
type flusher interface {
	Flush()
}

// WriteAndFlush writes a frame and flushes the underlying writer if it
// supports flushing, so the client sees each event as it's produced
// instead of buffered behind the next one.
func WriteAndFlush(w io.Writer, event gpuengine.StreamEvent) error {
	if err := WriteTo(w, event); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return nil
}
