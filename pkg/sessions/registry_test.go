package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

type fakeDeviceReleaser struct {
	released []int
}

func (f *fakeDeviceReleaser) Release(deviceID int) {
	f.released = append(f.released, deviceID)
}

func TestCreateStartsInitializing(t *testing.T) {
	r := New(5, nil)
	s := r.Create("container-1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)

	assert.Equal(t, gpuengine.SessionStateInitializing, s.State)
	assert.NotEmpty(t, s.ID)
}

func TestFindIdleWithModelRequiresWaitingState(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)

	_, found := r.FindIdleWithModel("model-a")
	assert.False(t, found)

	r.SetState(s.ID, gpuengine.SessionStateWaiting)
	found2, ok := r.FindIdleWithModel("model-a")
	require.True(t, ok)
	assert.Equal(t, s.ID, found2.ID)
}

func TestFindIdleWithModelSkipsFullQueue(t *testing.T) {
	r := New(1, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.SetState(s.ID, gpuengine.SessionStateWaiting)

	ok := r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})
	require.True(t, ok)

	_, found := r.FindIdleWithModel("model-a")
	assert.False(t, found)
}

func TestFindIdleWithModelInsertionOrderFirstMatchWins(t *testing.T) {
	r := New(5, nil)
	s1 := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	s2 := r.Create("c2", 1, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.SetState(s1.ID, gpuengine.SessionStateWaiting)
	r.SetState(s2.ID, gpuengine.SessionStateWaiting)

	found, ok := r.FindIdleWithModel("model-a")
	require.True(t, ok)
	assert.Equal(t, s1.ID, found.ID)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	r := New(1, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)

	ok1 := r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})
	require.True(t, ok1)

	ok2 := r.Enqueue(s.ID, gpuengine.Task{ID: "t2"})
	assert.False(t, ok2)
}

func TestDequeueTransitionsToWorking(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})

	task, ok := r.Dequeue(s.ID)
	require.True(t, ok)
	assert.Equal(t, "t1", task.ID)

	got, _ := r.Get(s.ID)
	assert.Equal(t, gpuengine.SessionStateWorking, got.State)
	assert.Equal(t, "t1", got.CurrentTaskID)
}

func TestSetStateWaitingClearsCurrentTask(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})
	r.Dequeue(s.ID)

	r.SetState(s.ID, gpuengine.SessionStateWaiting)

	got, _ := r.Get(s.ID)
	assert.Equal(t, gpuengine.SessionStateWaiting, got.State)
	assert.Empty(t, got.CurrentTaskID)
}

func TestSetStateNoopAfterKilled(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.Kill(s.ID, gpuengine.KillReasonManual, nil)

	// session already removed from the map; SetState on an unknown id is a no-op
	r.SetState(s.ID, gpuengine.SessionStateWaiting)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestKillReleasesDeviceAndDropsQueue(t *testing.T) {
	releaser := &fakeDeviceReleaser{}
	r := New(5, releaser)
	s := r.Create("c1", 3, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})
	r.Enqueue(s.ID, gpuengine.Task{ID: "t2"})

	var stoppedContainer string
	dropped := r.Kill(s.ID, gpuengine.KillReasonManual, func(containerID string) {
		stoppedContainer = containerID
	})

	assert.Len(t, dropped, 2)
	assert.Equal(t, "c1", stoppedContainer)
	assert.Equal(t, []int{3}, releaser.released)

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestKillUnknownSessionIsNoop(t *testing.T) {
	r := New(5, nil)
	dropped := r.Kill("does-not-exist", gpuengine.KillReasonManual, nil)
	assert.Nil(t, dropped)
}

func TestSweepKillsOnMaxLifetime(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Hour, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	r.Sweep(func(string) {})

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestSweepKillsOnIdleTimeoutOnlyWhenWaiting(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Millisecond, time.Hour)
	time.Sleep(5 * time.Millisecond)

	// still initializing: sweeper must not kill on idle timeout yet
	r.Sweep(func(string) {})
	_, ok := r.Get(s.ID)
	assert.True(t, ok)

	r.SetState(s.ID, gpuengine.SessionStateWaiting)
	time.Sleep(5 * time.Millisecond)
	r.Sweep(func(string) {})

	_, ok = r.Get(s.ID)
	assert.False(t, ok)
}

func TestSnapshotReflectsQueueDepth(t *testing.T) {
	r := New(5, nil)
	s := r.Create("c1", 0, "model-a", gpuengine.CapabilityLow, time.Minute, time.Hour)
	r.Enqueue(s.ID, gpuengine.Task{ID: "t1"})

	samples := r.Snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].QueueDepth)
}
