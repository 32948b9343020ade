// Package devices tracks the fixed pool of GPUs the engine schedules onto:
// their capability class, availability, current holder, and telemetry.
package devices

import (
	"strconv"
	"sync"
	"time"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/metrics"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

// Prober reads live telemetry for one device. Implementations talk to
// whatever vendor tooling is actually installed (nvidia-smi, rocm-smi, or a
// test double); the registry only depends on this interface.
type Prober interface {
	Read(deviceID int) (usedMemoryMB int64, temperatureC, utilizationPct float64, err error)
}

// Registry is the device registry: the single source of truth for which
// devices exist, who holds them, and their last-known telemetry.
type Registry struct {
	mu      sync.Mutex
	devices []*gpuengine.Device // insertion order; index is not the device id

	prober   Prober
	interval time.Duration
	stopCh   chan struct{}
}

// Config describes one statically configured device at startup.
type Config struct {
	ID              int
	Vendor          string
	CapabilityClass gpuengine.CapabilityClass
	TotalMemoryMB   int64
}

// New builds a registry from static configuration. If configs is empty, a
// single mock device is substituted so the rest of the system still runs
// end-to-end. A nil prober does not trigger that substitution: the
// configured devices are used as given and Start runs no telemetry refresh.
func New(configs []Config, prober Prober, interval time.Duration) *Registry {
	log := telelog.WithComponent("devices")

	if interval <= 0 {
		interval = 5 * time.Second
	}

	r := &Registry{
		prober:   prober,
		interval: interval,
		stopCh:   make(chan struct{}),
	}

	if prober == nil {
		log.Warn().Msg("no telemetry prober configured, telemetry refresh disabled")
	}

	if len(configs) == 0 {
		r.devices = append(r.devices, &gpuengine.Device{
			ID:              0,
			Vendor:          "mock",
			CapabilityClass: gpuengine.CapabilityLow,
			TotalMemoryMB:   8192,
			Available:       true,
			CreatedAt:       time.Now(),
		})
		return r
	}

	for _, c := range configs {
		r.devices = append(r.devices, &gpuengine.Device{
			ID:              c.ID,
			Vendor:          c.Vendor,
			CapabilityClass: c.CapabilityClass,
			TotalMemoryMB:   c.TotalMemoryMB,
			Available:       true,
			CreatedAt:       time.Now(),
		})
	}

	return r
}

// Allocate scans devices of the requested capability class in registry
// order and atomically claims the first available one. Returns -1, false
// if none match.
func (r *Registry) Allocate(class gpuengine.CapabilityClass, holderID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.CapabilityClass == class && d.Available {
			d.Available = false
			d.HolderID = holderID
			return d.ID, true
		}
	}
	return -1, false
}

// Release frees a device by id. Releasing an already-free or unknown
// device is a logged no-op, never an error.
func (r *Registry) Release(deviceID int) {
	log := telelog.WithDeviceID(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.ID == deviceID {
			if d.Available {
				log.Warn().Msg("release: device already free")
				return
			}
			d.Available = true
			d.HolderID = ""
			return
		}
	}
	log.Warn().Msg("release: unknown device id")
}

// Snapshot returns a copy of the current device list for the metrics
// collector.
func (r *Registry) Snapshot() []metrics.DeviceSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]metrics.DeviceSample, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, metrics.DeviceSample{
			ID:              strconv.Itoa(d.ID),
			CapabilityClass: string(d.CapabilityClass),
			Allocated:       !d.Available,
			UtilizationPct:  d.UtilizationPct,
		})
	}
	return out
}

// All returns a copy of every tracked device, in registry order.
func (r *Registry) All() []gpuengine.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]gpuengine.Device, len(r.devices))
	for i, d := range r.devices {
		out[i] = *d
	}
	return out
}

// Start begins the background telemetry refresh loop.
func (r *Registry) Start() {
	if r.prober == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				r.refreshTelemetry()
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the telemetry refresh loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// refreshTelemetry reads each device's live usage and updates non-ownership
// fields only. A read failure logs a warning and leaves the device's
// availability untouched.
func (r *Registry) refreshTelemetry() {
	r.mu.Lock()
	ids := make([]int, len(r.devices))
	for i, d := range r.devices {
		ids[i] = d.ID
	}
	r.mu.Unlock()

	for _, id := range ids {
		used, temp, util, err := r.prober.Read(id)
		if err != nil {
			telelog.WithDeviceID(id).Warn().Err(err).Msg("telemetry read failed")
			continue
		}

		r.mu.Lock()
		for _, d := range r.devices {
			if d.ID == id {
				d.UsedMemoryMB = used
				d.TemperatureC = temp
				d.UtilizationPct = util
				break
			}
		}
		r.mu.Unlock()
	}
}
