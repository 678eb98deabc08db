// Package health tracks platform reachability with periodic probes and acts
// as the circuit breaker consulted before outbound delivery.
package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	DefaultInterval      = 5 * time.Minute
	DefaultDownThreshold = 3
	DefaultProbeTimeout  = 10 * time.Second
)

type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Down     Status = "down"
)

type PlatformHealth struct {
	Platform            string    `json:"platform"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastProbeAt         time.Time `json:"lastProbeAt,omitempty"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

type Prober interface {
	Platform() string
	Probe(ctx context.Context) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Interval      time.Duration
	DownThreshold int
	ProbeTimeout  time.Duration
	Logger        Logger
	Now           func() time.Time
}

type Monitor struct {
	probers       map[string]Prober
	interval      time.Duration
	downThreshold int
	probeTimeout  time.Duration
	logger        Logger
	now           func() time.Time

	// probeMu serializes probe rounds so concurrent ProbeStale callers share
	// one round instead of stacking probes.
	probeMu sync.Mutex

	mu          sync.RWMutex
	state       map[string]PlatformHealth
	subscribers []func(map[string]PlatformHealth)
}

func NewMonitor(probers []Prober, opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	downThreshold := opts.DownThreshold
	if downThreshold <= 0 {
		downThreshold = DefaultDownThreshold
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		probers:       map[string]Prober{},
		interval:      interval,
		downThreshold: downThreshold,
		probeTimeout:  probeTimeout,
		logger:        logger,
		now:           now,
		state:         map[string]PlatformHealth{},
	}
	for _, prober := range probers {
		if prober == nil {
			continue
		}
		platform := prober.Platform()
		m.probers[platform] = prober
		m.state[platform] = PlatformHealth{Platform: platform, Status: Healthy}
		recordProbe(platform, Healthy, false)
	}
	return m
}

// Status returns the platform's current status. Platforms without a prober
// are reported Healthy.
func (m *Monitor) Status(platform string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state[platform]
	if !ok {
		return Healthy
	}
	return state.Status
}

func (m *Monitor) Snapshot() map[string]PlatformHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// List returns the snapshot sorted by platform name.
func (m *Monitor) List() []PlatformHealth {
	snapshot := m.Snapshot()
	out := make([]PlatformHealth, 0, len(snapshot))
	for _, state := range snapshot {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (m *Monitor) snapshotLocked() map[string]PlatformHealth {
	out := make(map[string]PlatformHealth, len(m.state))
	for platform, state := range m.state {
		out[platform] = state
	}
	return out
}

// Subscribe registers fn to be called with the snapshot after every probe
// round. fn runs on the probing goroutine and must not block.
func (m *Monitor) Subscribe(fn func(map[string]PlatformHealth)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// ProbeAll probes every platform concurrently and returns the new snapshot.
func (m *Monitor) ProbeAll(ctx context.Context) map[string]PlatformHealth {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	return m.probeAllLocked(ctx)
}

func (m *Monitor) probeAllLocked(ctx context.Context) map[string]PlatformHealth {
	type probeResult struct {
		platform string
		err      error
		at       time.Time
	}
	results := make(chan probeResult, len(m.probers))
	var wg sync.WaitGroup
	for platform, prober := range m.probers {
		wg.Add(1)
		go func(platform string, prober Prober) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()
			err := prober.Probe(probeCtx)
			results <- probeResult{platform: platform, err: err, at: m.now()}
		}(platform, prober)
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	for result := range results {
		m.applyLocked(result.platform, result.err, result.at)
	}
	snapshot := m.snapshotLocked()
	subscribers := append([]func(map[string]PlatformHealth){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(snapshot)
	}
	return snapshot
}

func (m *Monitor) applyLocked(platform string, err error, at time.Time) {
	state := m.state[platform]
	previous := state.Status
	state.Platform = platform
	state.LastProbeAt = at
	if err == nil {
		state.ConsecutiveFailures = 0
		state.LastSuccessAt = at
		state.LastError = ""
	} else {
		state.ConsecutiveFailures++
		state.LastError = err.Error()
	}
	state.Status = m.classify(state.ConsecutiveFailures)
	m.state[platform] = state
	recordProbe(platform, state.Status, err != nil)
	if previous != state.Status {
		if err != nil {
			m.logger.Printf("health: %s %s -> %s after %d failures: %v", platform, previous, state.Status, state.ConsecutiveFailures, err)
		} else {
			m.logger.Printf("health: %s %s -> %s", platform, previous, state.Status)
		}
	}
}

func (m *Monitor) classify(failures int) Status {
	switch {
	case failures <= 0:
		return Healthy
	case failures >= m.downThreshold:
		return Down
	default:
		return Degraded
	}
}

// ProbeStale runs a probe round when any platform's last probe is older than
// maxAge. Concurrent callers wait for the round already in progress and
// then reuse its result.
func (m *Monitor) ProbeStale(ctx context.Context, maxAge time.Duration) map[string]PlatformHealth {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if !m.stale(maxAge) {
		return m.Snapshot()
	}
	return m.probeAllLocked(ctx)
}

func (m *Monitor) stale(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, state := range m.state {
		if state.LastProbeAt.IsZero() || now.Sub(state.LastProbeAt) > maxAge {
			return true
		}
	}
	return false
}

// Run probes on every interval tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}
