package capability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// Monitor captures host capability snapshots with a short TTL cache so the
// router never pays probe cost on the hot path. Capture never fails: probe
// errors degrade individual fields to their unavailable defaults.
type Monitor struct {
	cfg config.CapabilityConfig

	host    HostProbe
	accel   AcceleratorProbe
	battery BatteryProbe
	network NetworkProbe

	snapshotTTL  time.Duration
	probeTimeout time.Duration

	// limiter bounds live network probes independently of the snapshot TTL,
	// so a flood of cache misses cannot turn into a flood of HEAD requests.
	limiter *rate.Limiter

	mu          sync.Mutex
	cached      types.CapabilitySnapshot
	cachedValid bool
	lastNetwork NetworkStatus

	now func() time.Time
}

// Option customizes a Monitor, primarily for injecting fake probes in tests.
type Option func(*Monitor)

// WithHostProbe replaces the default /proc-based host probe.
func WithHostProbe(p HostProbe) Option { return func(m *Monitor) { m.host = p } }

// WithAcceleratorProbe replaces the default accelerator probe.
func WithAcceleratorProbe(p AcceleratorProbe) Option { return func(m *Monitor) { m.accel = p } }

// WithBatteryProbe replaces the default sysfs battery probe.
func WithBatteryProbe(p BatteryProbe) Option { return func(m *Monitor) { m.battery = p } }

// WithNetworkProbe replaces the default HTTP HEAD probe.
func WithNetworkProbe(p NetworkProbe) Option { return func(m *Monitor) { m.network = p } }

// withClock replaces the time source in tests.
func withClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a Monitor with default probes, applying any options.
func NewMonitor(cfg config.CapabilityConfig, opts ...Option) *Monitor {
	probeTimeout := config.ParseDuration(cfg.ProbeTimeout, 2*time.Second)

	m := &Monitor{
		cfg:          cfg,
		host:         defaultHostProbe{},
		accel:        defaultAcceleratorProbe{},
		battery:      defaultBatteryProbe{},
		network:      newHTTPNetworkProbe(cfg.ProbeURL, probeTimeout),
		snapshotTTL:  config.ParseDuration(cfg.SnapshotTTL, 5*time.Second),
		probeTimeout: probeTimeout,
		now:          time.Now,
	}

	perMin := cfg.ProbesPerMin
	if perMin <= 0 {
		perMin = 12
	}
	m.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capture returns a capability snapshot, serving the cached one while fresh.
// The context bounds the network probe only; host probes are local reads.
// Probing runs outside the mutex so a slow network probe never blocks other
// callers: they either hit the cache or probe concurrently, with the rate
// limiter bounding actual requests.
func (m *Monitor) Capture(ctx context.Context) types.CapabilitySnapshot {
	m.mu.Lock()
	if m.cachedValid && m.now().Sub(m.cached.CapturedAt) < m.snapshotTTL {
		snap := m.cached
		m.mu.Unlock()
		return snap
	}
	m.mu.Unlock()

	snap := m.capture(ctx)

	m.mu.Lock()
	m.cached = snap
	m.cachedValid = true
	m.mu.Unlock()

	logging.Capability("snapshot cores=%d ram_free=%.1fGB accel=%v net=%v latency=%s",
		snap.CPUCores, snap.RAMFreeGB, snap.AcceleratorPresent,
		snap.NetworkAvailable, snap.NetworkLatency)
	return snap
}

// Invalidate drops the cached snapshot so the next Capture probes live.
// The lifecycle manager calls this after large loads and evictions.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.cachedValid = false
	m.mu.Unlock()
}

// capture runs all probes. Called without the mutex held.
func (m *Monitor) capture(ctx context.Context) types.CapabilitySnapshot {
	cores, util := m.host.CPU()
	ramTotal, ramFree := m.host.RAM()
	present, accelTotal, accelFree := m.accel.Accelerator()

	snap := types.CapabilitySnapshot{
		CPUCores:       cores,
		CPUUtilization: util,
		RAMTotalGB:     ramTotal,
		RAMFreeGB:      ramFree,

		AcceleratorPresent: present,
		AcceleratorTotalGB: accelTotal,
		AcceleratorFreeGB:  accelFree,

		BatteryPercent: m.battery.BatteryPercent(),

		CapturedAt: m.now(),
	}

	snap.NetworkAvailable = false
	net := m.probeNetwork(ctx)
	snap.NetworkAvailable = net.Available
	snap.NetworkMetered = net.Metered
	snap.NetworkLatency = net.Latency
	snap.NetworkBandwidthMB = net.BandwidthMB

	return snap
}

// probeNetwork runs a live probe when the rate limiter allows it, otherwise
// reuses the last observed status. A host that has never been probed and is
// currently rate limited reports unavailable, which only biases routing
// toward local modes.
func (m *Monitor) probeNetwork(ctx context.Context) NetworkStatus {
	if !m.limiter.Allow() {
		m.mu.Lock()
		last := m.lastNetwork
		m.mu.Unlock()
		logging.CapabilityWarn("network probe rate limited, reusing last status available=%v",
			last.Available)
		return last
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	status := m.network.Probe(probeCtx)
	if !status.Available {
		logging.CapabilityWarn("network probe failed or timed out")
	}
	m.mu.Lock()
	m.lastNetwork = status
	m.mu.Unlock()
	return status
}
