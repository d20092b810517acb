package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is a service or aggregate health value. The aggregation rule
// (worst member wins) is computed server-side and trusted as-is.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ServiceHealth is one tracked service's entry in a snapshot.
type ServiceHealth struct {
	Status    HealthStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	LatencyMs int64        `json:"latency_ms,omitempty"`
}

// ServiceHealthSnapshot is the outcome of one health check. Snapshots are
// immutable and replaced wholesale on each check.
type ServiceHealthSnapshot struct {
	Status    HealthStatus             `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
}

// Default health monitor parameters.
const (
	DefaultCheckTimeout = 5 * time.Second
	DefaultStaleAfter   = 30 * time.Second
)

// HealthMonitorConfig configures a [HealthMonitor]. URL is required; every
// other field has a usable zero value.
type HealthMonitorConfig struct {
	URL        string
	Client     *http.Client       // default http.DefaultClient
	Timeout    time.Duration      // per-check timeout, default 5s
	Backoff    Backoff            // poll cadence, zero value = defaults
	Visibility *VisibilityTracker // optional; nil means always visible
	StaleAfter time.Duration      // resume-check threshold, default 30s

	// Tracked names the services reported by the health endpoint, used to
	// populate synthetic snapshots when the endpoint itself is unreachable.
	// When empty, the names from the last real snapshot are reused.
	Tracked []string

	Logs io.Writer // default io.Discard
}

// HealthMonitor is a refcounted polling service producing
// [ServiceHealthSnapshot] values. Polling runs exactly while the monitor
// has at least one subscriber. Checks are deduplicated: concurrent callers
// share one in-flight request and its outcome.
type HealthMonitor struct {
	url        string
	client     *http.Client
	timeout    time.Duration
	backoff    Backoff
	visibility *VisibilityTracker
	staleAfter time.Duration
	tracked    []string
	logger     *log.Logger

	mtx               sync.Mutex
	subscribers       map[int]func(ServiceHealthSnapshot)
	nextID            int
	epoch             int // bumped on stop; stale callbacks compare and bail
	timer             *time.Timer
	inflight          *healthCheck
	last              *ServiceHealthSnapshot
	lastSuccess       time.Time
	consecutiveErrors int
	cancelVisibility  func()
}

// healthCheck is the shared outcome of one in-flight check. done is closed
// after snap is populated, so waiters always observe the settled result.
type healthCheck struct {
	done chan struct{}
	snap ServiceHealthSnapshot
}

// NewHealthMonitor constructs a monitor. It performs no I/O until the first
// subscription or explicit Check.
func NewHealthMonitor(cfg HealthMonitorConfig) (*HealthMonitor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("health monitor: URL required")
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	logs := cfg.Logs
	if logs == nil {
		logs = io.Discard
	}

	return &HealthMonitor{
		url:         cfg.URL,
		client:      client,
		timeout:     timeout,
		backoff:     cfg.Backoff,
		visibility:  cfg.Visibility,
		staleAfter:  staleAfter,
		tracked:     cfg.Tracked,
		logger:      log.New(logs, "realtime.HealthMonitor: ", log.Lmsgprefix),
		subscribers: map[int]func(ServiceHealthSnapshot){},
	}, nil
}

// Check performs one health check, or joins the check already in flight.
// It never returns an error: a timeout or connection failure is normalized
// into a fully populated Unhealthy snapshot, so consumers always have one
// code path.
func (m *HealthMonitor) Check(ctx context.Context) ServiceHealthSnapshot {
	m.mtx.Lock()
	if c := m.inflight; c != nil {
		m.mtx.Unlock()
		<-c.done
		return c.snap
	}

	c := &healthCheck{done: make(chan struct{})}
	m.inflight = c
	m.mtx.Unlock()

	snap, err := m.fetch(ctx)

	m.mtx.Lock()
	m.inflight = nil // cleared unconditionally, success or failure
	c.snap = snap
	m.last = &snap
	if err != nil {
		m.consecutiveErrors++
	} else {
		m.consecutiveErrors = 0
		m.lastSuccess = time.Now()
	}
	fns := make([]func(ServiceHealthSnapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mtx.Unlock()

	close(c.done)

	if err != nil {
		m.logger.Printf("check failed: %v", err)
	}
	for _, fn := range fns {
		fn(snap)
	}

	return snap
}

// Subscribe registers fn for every future snapshot. The first subscriber
// starts the poll loop; the last cancel stops it and releases the timer and
// visibility hook. When a snapshot is already held, fn is replayed it
// synchronously before Subscribe returns.
func (m *HealthMonitor) Subscribe(fn func(ServiceHealthSnapshot)) (cancel func()) {
	m.mtx.Lock()

	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn

	var replay *ServiceHealthSnapshot
	if m.last != nil {
		s := *m.last
		replay = &s
	}

	if len(m.subscribers) == 1 {
		m.startLocked()
	}

	m.mtx.Unlock()

	if replay != nil {
		fn(*replay)
	}

	return func() {
		m.mtx.Lock()
		defer m.mtx.Unlock()

		if _, ok := m.subscribers[id]; !ok {
			return
		}
		delete(m.subscribers, id)
		if len(m.subscribers) == 0 {
			m.stopLocked()
		}
	}
}

// Last returns the most recent snapshot, if any check has completed.
func (m *HealthMonitor) Last() (ServiceHealthSnapshot, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.last == nil {
		return ServiceHealthSnapshot{}, false
	}
	return *m.last, true
}

func (m *HealthMonitor) startLocked() {
	epoch := m.epoch
	if m.visibility != nil {
		m.cancelVisibility = m.visibility.OnChange(func(visible bool) {
			m.onVisibility(epoch, visible)
		})
	}
	// First check fires immediately; steady state follows the poll cadence.
	m.timer = time.AfterFunc(0, func() { m.pollTick(epoch) })
}

func (m *HealthMonitor) stopLocked() {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelVisibility != nil {
		m.cancelVisibility()
		m.cancelVisibility = nil
	}
}

// pollTick is one cycle of the poll loop. The next delay is recomputed from
// the current consecutive-error count on every cycle, so backoff adapts as
// failures accumulate and recovers on the first success. While the surface
// is hidden the tick reschedules without touching the network, preserving
// the cadence for when visibility resumes.
func (m *HealthMonitor) pollTick(epoch int) {
	m.mtx.Lock()
	if epoch != m.epoch {
		m.mtx.Unlock()
		return
	}

	if !m.visibility.Visible() {
		delay := m.backoff.Poll(m.consecutiveErrors)
		m.timer = time.AfterFunc(delay, func() { m.pollTick(epoch) })
		m.mtx.Unlock()
		return
	}
	m.mtx.Unlock()

	m.Check(context.Background())

	m.mtx.Lock()
	if epoch == m.epoch {
		delay := m.backoff.Poll(m.consecutiveErrors)
		m.timer = time.AfterFunc(delay, func() { m.pollTick(epoch) })
	}
	m.mtx.Unlock()
}

// onVisibility handles a foreground/background flip. Returning to the
// foreground with a stale last success triggers one immediate out-of-band
// check; regular cadence is untouched.
func (m *HealthMonitor) onVisibility(epoch int, visible bool) {
	if !visible {
		return
	}

	m.mtx.Lock()
	stale := epoch == m.epoch && time.Since(m.lastSuccess) > m.staleAfter
	m.mtx.Unlock()

	if stale {
		go m.Check(context.Background())
	}
}

func (m *HealthMonitor) fetch(ctx context.Context) (ServiceHealthSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", m.url, nil)
	if err != nil {
		err = fmt.Errorf("create request: %w", err)
		return m.syntheticUnhealthy(err), err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		err = fmt.Errorf("execute request: %w", err)
		return m.syntheticUnhealthy(err), err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("health endpoint returned %s", resp.Status)
		return m.syntheticUnhealthy(err), err
	}

	var snap ServiceHealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		err = fmt.Errorf("decode health response: %w", err)
		return m.syntheticUnhealthy(err), err
	}

	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	return snap, nil
}

// syntheticUnhealthy builds a well-formed Unhealthy snapshot for a failed
// check, with every tracked service marked unhealthy and a reason that
// distinguishes timeout from connection failure.
func (m *HealthMonitor) syntheticUnhealthy(err error) ServiceHealthSnapshot {
	reason := fmt.Sprintf("health check failed: %v", err)
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("health check timed out after %v", m.timeout)
	}

	names := m.tracked
	if len(names) == 0 {
		m.mtx.Lock()
		if m.last != nil {
			for name := range m.last.Services {
				names = append(names, name)
			}
		}
		m.mtx.Unlock()
	}

	services := make(map[string]ServiceHealth, len(names))
	for _, name := range names {
		services[name] = ServiceHealth{Status: Unhealthy, Error: reason}
	}

	return ServiceHealthSnapshot{
		Status:    Unhealthy,
		Timestamp: time.Now().UTC(),
		Services:  services,
	}
}
