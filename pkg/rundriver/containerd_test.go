package rundriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceOptsEmpty(t *testing.T) {
	opts := resourceOpts(ResourceLimits{})
	assert.Empty(t, opts)
}

func TestResourceOptsCPUOnly(t *testing.T) {
	opts := resourceOpts(ResourceLimits{CPULimit: 1.5})
	assert.Len(t, opts, 2)
}

func TestResourceOptsMemoryOnly(t *testing.T) {
	opts := resourceOpts(ResourceLimits{MemoryLimitMB: 4096})
	assert.Len(t, opts, 1)
}

func TestResourceOptsBoth(t *testing.T) {
	opts := resourceOpts(ResourceLimits{CPULimit: 2, MemoryLimitMB: 8192})
	assert.Len(t, opts, 3)
}

func TestOutputBufferAccumulates(t *testing.T) {
	var buf outputBuffer
	n, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = buf.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, "hello world", buf.String())
}

func TestByteCounterTracksTotal(t *testing.T) {
	c := &byteCounter{}
	_, _ = c.Write([]byte("abc"))
	_, _ = c.Write([]byte("defgh"))
	assert.Equal(t, int64(8), c.n)
}

func TestStreamLogsUnknownContainer(t *testing.T) {
	d := &Driver{streams: make(map[string]*logStream)}
	_, _, err := d.StreamLogs(nil, "does-not-exist")
	assert.Error(t, err)
}
