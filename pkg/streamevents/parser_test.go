package streamevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

func TestParseLineEmptyIsDropped(t *testing.T) {
	_, ok := ParseLine("   ")
	assert.False(t, ok)
}

func TestParseLineStructuredKnownVariant(t *testing.T) {
	event, ok := ParseLine(`{"type": "text_delta", "delta": "hello"}`)
	require.True(t, ok)
	assert.Equal(t, gpuengine.EventTextDelta, event.Variant)
	assert.Equal(t, "hello", event.Data["delta"])
	_, hasType := event.Data["type"]
	assert.False(t, hasType)
}

func TestParseLineStructuredUsesEventField(t *testing.T) {
	event, ok := ParseLine(`{"event": "worker", "status": "ready"}`)
	require.True(t, ok)
	assert.Equal(t, gpuengine.EventWorker, event.Variant)
	assert.Equal(t, "ready", event.Data["status"])
}

func TestParseLineUnknownVariantFallsBackToLogs(t *testing.T) {
	event, ok := ParseLine(`{"type": "something.else", "x": 1}`)
	require.True(t, ok)
	assert.Equal(t, gpuengine.EventLogs, event.Variant)
}

func TestParseLineUnstructuredFallsBackToLogs(t *testing.T) {
	event, ok := ParseLine("plain text output from the worker")
	require.True(t, ok)
	assert.Equal(t, gpuengine.EventLogs, event.Variant)
	assert.Equal(t, "plain text output from the worker", event.Data["log"])
	assert.Equal(t, "info", event.Data["level"])
}
