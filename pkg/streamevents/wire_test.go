package streamevents

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteToProducesTagDataBlankFrame(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTo(&buf, TaskFinish("completed", 1.5, ""))
	require.NoError(t, err)

	lines := strings.Split(buf.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "task_finish", lines[0])
	assert.Contains(t, lines[1], `"status":"completed"`)
	assert.Equal(t, "", lines[2])
}

func TestWriteToRejectsUnknownVariant(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTo(&buf, Logs("x", "info"))
	require.NoError(t, err)

	badEvent := Logs("x", "info")
	badEvent.Variant = "bogus"
	err = WriteTo(&buf, badEvent)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestBrokerPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Open("task-1")

	b.Publish("task-1", Text("done"))
	event := <-ch
	assert.Equal(t, "done", event.Data["content"])

	b.Close("task-1")
}

func TestBrokerPublishToUnknownTaskIsNoop(t *testing.T) {
	b := NewBroker()
	b.Publish("never-opened", Text("ignored"))
}

func TestBrokerCloseIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Open("task-1")
	b.Close("task-1")
	b.Close("task-1")
}
