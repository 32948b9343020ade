package metrics

import (
	"time"
)

// DeviceSnapshotter is the subset of the device registry the collector polls.
// Implemented by *devices.Registry.
type DeviceSnapshotter interface {
	Snapshot() []DeviceSample
}

// DeviceSample is one device's collector-facing view.
type DeviceSample struct {
	ID              string
	CapabilityClass string
	Allocated       bool
	UtilizationPct  float64
}

// SessionSnapshotter is the subset of the session registry the collector polls.
// Implemented by *sessions.Registry.
type SessionSnapshotter interface {
	Snapshot() []SessionSample
}

// SessionSample is one session's collector-facing view.
type SessionSample struct {
	ID         string
	State      string
	QueueDepth int
}

// Collector periodically refreshes the device/session gauges from live
// registry state. It owns no locks of its own: Snapshot() on each source
// takes and releases the source's own mutex per call.
type Collector struct {
	devices  DeviceSnapshotter
	sessions SessionSnapshotter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector polling every interval.
func NewCollector(devices DeviceSnapshotter, sessions SessionSnapshotter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		devices:  devices,
		sessions: sessions,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDeviceMetrics()
	c.collectSessionMetrics()
}

func (c *Collector) collectDeviceMetrics() {
	if c.devices == nil {
		return
	}
	samples := c.devices.Snapshot()

	counts := make(map[string]map[string]int)
	for _, d := range samples {
		state := "free"
		if d.Allocated {
			state = "allocated"
		}
		if counts[d.CapabilityClass] == nil {
			counts[d.CapabilityClass] = make(map[string]int)
		}
		counts[d.CapabilityClass][state]++
		DeviceUtilizationPercent.WithLabelValues(d.ID).Set(d.UtilizationPct)
	}

	for class, states := range counts {
		for state, n := range states {
			DevicesTotal.WithLabelValues(class, state).Set(float64(n))
		}
	}
}

func (c *Collector) collectSessionMetrics() {
	if c.sessions == nil {
		return
	}
	samples := c.sessions.Snapshot()

	stateCounts := make(map[string]int)
	for _, s := range samples {
		stateCounts[s.State]++
		SessionQueueDepth.WithLabelValues(s.ID).Set(float64(s.QueueDepth))
	}

	for state, n := range stateCounts {
		SessionsTotal.WithLabelValues(state).Set(float64(n))
	}
}
