// Package streamevents defines the typed stream-event model attached to
// each task, its wire serialization, and a per-task broker that decouples
// the pipeline (the publisher) from the Admission API handler (the
// subscriber) the way the cluster-wide event bus decouples publishers from
// subscribers, scoped down to a single task's lifetime instead of the
// whole cluster's.
package streamevents

import (
	"fmt"
	"sync"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

// Broker hands out exactly one subscriber channel per task id and
// broadcasts published events to it. Unlike a cluster-wide pub/sub bus, a
// task's stream has a single consumer: the HTTP handler that accepted the
// submission. The broker still buffers so a slow consumer doesn't stall
// the pipeline mid-step.
type Broker struct {
	mu    sync.Mutex
	tasks map[string]chan gpuengine.StreamEvent
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{tasks: make(map[string]chan gpuengine.StreamEvent)}
}

// Open registers a new event channel for taskID, buffered so the pipeline
// can continue publishing a few events ahead of a slow reader. A second
// Open for the same task id before Close replaces the prior channel; the
// pipeline opens each task id only once.
func (b *Broker) Open(taskID string) <-chan gpuengine.StreamEvent {
	ch := make(chan gpuengine.StreamEvent, 32)

	b.mu.Lock()
	b.tasks[taskID] = ch
	b.mu.Unlock()

	return ch
}

// Publish sends an event to a task's subscriber, if still open. The send
// blocks while the channel's 32-event buffer is full, so a reader that
// falls behind holds the publisher back until it drains the channel.
func (b *Broker) Publish(taskID string, event gpuengine.StreamEvent) {
	b.mu.Lock()
	ch, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch <- event
}

// Close removes and closes a task's event channel. Safe to call more than
// once.
func (b *Broker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.tasks[taskID]
	if !ok {
		return
	}
	delete(b.tasks, taskID)
	close(ch)
}

// Connection builds a connection-variant event.
func Connection(status string, gpuID *int, sessionID string) gpuengine.StreamEvent {
	data := map[string]any{"status": status}
	if gpuID != nil {
		data["gpu_id"] = *gpuID
	}
	if sessionID != "" {
		data["session_id"] = sessionID
	}
	return gpuengine.StreamEvent{Variant: gpuengine.EventConnection, Data: data}
}

// Worker builds a worker-variant event.
func Worker(status, containerID, message, errMsg string) gpuengine.StreamEvent {
	data := map[string]any{"status": status}
	if containerID != "" {
		data["container_id"] = containerID
	}
	if message != "" {
		data["message"] = message
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return gpuengine.StreamEvent{Variant: gpuengine.EventWorker, Data: data}
}

// TextDelta builds a text_delta-variant event.
func TextDelta(delta string) gpuengine.StreamEvent {
	return gpuengine.StreamEvent{Variant: gpuengine.EventTextDelta, Data: map[string]any{"delta": delta}}
}

// Text builds a text-variant event.
func Text(content string) gpuengine.StreamEvent {
	return gpuengine.StreamEvent{Variant: gpuengine.EventText, Data: map[string]any{"content": content}}
}

// Logs builds a logs-variant event, the parser's fallback for lines it
// can't decode as any other variant.
func Logs(log, level string) gpuengine.StreamEvent {
	if level == "" {
		level = "info"
	}
	return gpuengine.StreamEvent{Variant: gpuengine.EventLogs, Data: map[string]any{"log": log, "level": level}}
}

// TaskFinish builds the terminal task_finish-variant event.
func TaskFinish(status string, elapsedSeconds float64, errMsg string) gpuengine.StreamEvent {
	data := map[string]any{"status": status}
	if elapsedSeconds > 0 {
		data["elapsed_seconds"] = elapsedSeconds
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return gpuengine.StreamEvent{Variant: gpuengine.EventTaskFinish, Data: data}
}

// ErrUnknownVariant is returned when serializing an event of an
// unrecognized variant.
var ErrUnknownVariant = fmt.Errorf("unknown stream event variant")
