// Package capability samples host capability (CPU/RAM/accelerator/battery/
// network) and supplies point-in-time snapshots to the router. Probe failure
// is a valid input state, never an error: every probe degrades to a safe
// "unavailable" default.
package capability

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// HostProbe reports CPU and RAM capability.
type HostProbe interface {
	CPU() (cores int, utilization float64)
	RAM() (totalGB, freeGB float64)
}

// AcceleratorProbe reports GPU/NPU capability. Implementations must return
// (false, 0, 0) on any query failure rather than an error.
type AcceleratorProbe interface {
	Accelerator() (present bool, totalGB, freeGB float64)
}

// BatteryProbe reports battery charge. nil means no battery present.
type BatteryProbe interface {
	BatteryPercent() *float64
}

// NetworkProbe measures reachability and quality of the network path.
type NetworkProbe interface {
	Probe(ctx context.Context) NetworkStatus
}

// NetworkStatus is the result of one network probe.
type NetworkStatus struct {
	Available   bool
	Metered     bool
	Latency     time.Duration
	BandwidthMB float64
}

// =============================================================================
// DEFAULT PROBES
// =============================================================================

// defaultHostProbe reads /proc on Linux and falls back to runtime info.
type defaultHostProbe struct{}

func (defaultHostProbe) CPU() (int, float64) {
	// Load-average derived utilization; coarse but probe-cheap.
	util := 0.0
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if load, err := strconv.ParseFloat(fields[0], 64); err == nil {
				util = load / float64(runtime.NumCPU())
				if util > 1 {
					util = 1
				}
			}
		}
	}
	return runtime.NumCPU(), util
}

func (defaultHostProbe) RAM() (float64, float64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		// Non-Linux host: report nothing rather than guessing.
		return 0, 0
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	return totalKB / 1024 / 1024, availKB / 1024 / 1024
}

// defaultAcceleratorProbe checks for NVIDIA driver presence and reads the
// advertised memory from the environment when the management library is not
// linkable. Any failure reports absence.
type defaultAcceleratorProbe struct{}

func (defaultAcceleratorProbe) Accelerator() (bool, float64, float64) {
	if v := os.Getenv("INFERD_ACCEL_MEM_GB"); v != "" {
		if total, err := strconv.ParseFloat(v, 64); err == nil && total > 0 {
			free := total
			if fv := os.Getenv("INFERD_ACCEL_FREE_GB"); fv != "" {
				if f, err := strconv.ParseFloat(fv, 64); err == nil && f >= 0 {
					free = f
				}
			}
			return true, total, free
		}
	}
	if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
		// Driver present but memory unknown; report presence only.
		return true, 0, 0
	}
	return false, 0, 0
}

// defaultBatteryProbe reads the sysfs battery node. Absent on servers.
type defaultBatteryProbe struct{}

func (defaultBatteryProbe) BatteryPercent() *float64 {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/capacity")
	if err != nil {
		return nil
	}
	pct, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil
	}
	return &pct
}

// httpNetworkProbe issues a HEAD request against a lightweight endpoint and
// measures round-trip latency. The context carries the hard timeout bound.
type httpNetworkProbe struct {
	url     string
	client  *http.Client
	metered func() bool
}

func newHTTPNetworkProbe(url string, timeout time.Duration) *httpNetworkProbe {
	return &httpNetworkProbe{
		url:    url,
		client: &http.Client{Timeout: timeout},
		metered: func() bool {
			// No portable metered-network signal; operators set this.
			v, _ := strconv.ParseBool(os.Getenv("INFERD_NETWORK_METERED"))
			return v
		},
	}
}

func (p *httpNetworkProbe) Probe(ctx context.Context) NetworkStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return NetworkStatus{Available: false}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return NetworkStatus{Available: false}
	}
	resp.Body.Close()
	latency := time.Since(start)

	// Crude bandwidth estimate from latency class; a real transfer probe is
	// too heavy for a 5s-TTL monitor.
	bandwidth := 100.0
	switch {
	case latency > 500*time.Millisecond:
		bandwidth = 1
	case latency > 150*time.Millisecond:
		bandwidth = 10
	}

	return NetworkStatus{
		Available:   true,
		Metered:     p.metered(),
		Latency:     latency,
		BandwidthMB: bandwidth,
	}
}
