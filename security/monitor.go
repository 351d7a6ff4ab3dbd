package security

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMonitorWindow is the rolling window used for counting events
	DefaultMonitorWindow = 60 * time.Second

	// DefaultMonitorCleanupInterval is how often idle event series are swept
	DefaultMonitorCleanupInterval = 5 * time.Minute

	// maxRecentAlerts bounds the alert history kept for reports
	maxRecentAlerts = 50
)

// Health status bands of a Report
const (
	HealthHealthy    = "HEALTHY"
	HealthMonitoring = "MONITORING"
	HealthWarning    = "WARNING"
	HealthCritical   = "CRITICAL"
)

// Threshold fires an alert once Count events of a type for one key
// fall inside Window.
type Threshold struct {
	Count  int
	Window time.Duration
}

// Thresholds maps event types to alert thresholds
type Thresholds map[EventType]Threshold

// DefaultThresholds returns the built-in alert thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		EventFailedAuthentication: {Count: 5, Window: DefaultMonitorWindow},
		EventUnauthorizedAccess:   {Count: 10, Window: DefaultMonitorWindow},
		EventRateLimitExceeded:    {Count: 20, Window: DefaultMonitorWindow},
	}
}

// ParseThresholds parses "event_type=count/window" pairs separated by commas,
// e.g. "failed_authentication=5/60s,unauthorized_access=10/1m".
func ParseThresholds(s string) (Thresholds, error) {
	t := Thresholds{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, b, err := parsePolicy(part)
		if err != nil {
			return nil, err
		}
		if b.MaxRequests <= 0 || b.Window <= 0 {
			return nil, fmt.Errorf("threshold %q: count and window must be positive", name)
		}
		t[EventType(name)] = Threshold{Count: b.MaxRequests, Window: b.Window}
	}
	return t, nil
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	// Thresholds per event type. Nil uses DefaultThresholds().
	Thresholds Thresholds

	// Window is the counting window for event types without a threshold (default 60s)
	Window time.Duration

	// CleanupInterval controls the idle series sweep (default 5m)
	CleanupInterval time.Duration

	Clock  Clock
	Logger *slog.Logger

	// Sinks receive every recorded event
	Sinks []EventSink
}

// series is the rolling event history of one (type, key) pair.
// All fields are guarded by mu.
type series struct {
	mu         sync.Mutex
	eventType  EventType
	stamps     []time.Time
	lastAccess time.Time
	fired      bool // an alert fired and the count has not yet dropped below the threshold
	removed    bool
}

func (s *series) prune(cutoff time.Time) {
	n := 0
	for _, t := range s.stamps {
		if t.After(cutoff) {
			s.stamps[n] = t
			n++
		}
	}
	if n == 0 {
		s.stamps = nil
		return
	}
	s.stamps = s.stamps[:n]
}

// Monitor records security events, counts them per (type, key) over a rolling
// window and invokes alert callbacks when a threshold is crossed. An alert fires
// exactly once per crossing and re-arms only after the windowed count drops
// below the threshold.
type Monitor struct {
	series          sync.Map // seriesKey -> *series
	thresholds      Thresholds
	window          time.Duration
	clock           Clock
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	cbMu      sync.RWMutex
	callbacks []AlertFunc
	sinks     []EventSink

	alertMu      sync.Mutex
	recentAlerts []Alert

	totalAlerts atomic.Int64
}

// NewMonitor creates a security monitor and starts its cleanup loop
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	thresholds := cfg.Thresholds
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultMonitorWindow
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultMonitorCleanupInterval
	}

	m := &Monitor{
		thresholds:      thresholds,
		window:          window,
		clock:           clockOrDefault(cfg.Clock),
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		sinks:           append([]EventSink(nil), cfg.Sinks...),
	}

	go m.cleanupLoop()

	return m
}

// AddAlertCallback registers fn to be invoked on every threshold crossing
func (m *Monitor) AddAlertCallback(fn AlertFunc) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// AddSink registers an additional event sink
func (m *Monitor) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// windowFor returns the counting window of an event type
func (m *Monitor) windowFor(t EventType) time.Duration {
	if th, ok := m.thresholds[t]; ok && th.Window > 0 {
		return th.Window
	}
	return m.window
}

func seriesKey(t EventType, key string) string {
	return string(t) + "\x00" + key
}

func (m *Monitor) seriesFor(t EventType, key string) *series {
	k := seriesKey(t, key)
	if v, ok := m.series.Load(k); ok {
		return v.(*series)
	}
	v, _ := m.series.LoadOrStore(k, &series{eventType: t})
	return v.(*series)
}

// Record appends an event of type t for key and reports whether this call
// crossed the alert threshold. Sinks and alert callbacks run after the
// per-series lock is released; their failures never reach the caller.
func (m *Monitor) Record(ctx context.Context, t EventType, key string, details map[string]any) bool {
	if key == "" {
		key = "unknown"
	}
	threshold, hasThreshold := m.thresholds[t]
	window := m.windowFor(t)

	var (
		now      time.Time
		count    int
		crossing bool
	)
	for {
		s := m.seriesFor(t, key)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}

		now = m.clock.Now()
		s.prune(windowStart(now, window))
		s.stamps = append(s.stamps, now)
		s.lastAccess = now
		count = len(s.stamps)

		if hasThreshold && threshold.Count > 0 {
			if count >= threshold.Count {
				if !s.fired {
					s.fired = true
					crossing = true
				}
			} else {
				s.fired = false
			}
		}
		s.mu.Unlock()
		break
	}

	event := Event{
		Type:      t,
		Key:       key,
		Details:   details,
		Timestamp: now,
	}
	m.dispatch(ctx, event)

	if crossing {
		m.fire(ctx, Alert{
			Type:        t,
			Key:         key,
			Count:       count,
			Threshold:   threshold.Count,
			Window:      window,
			Details:     details,
			TriggeredAt: now,
		})
	}

	return crossing
}

// Count returns the number of events of type t for key inside the window
func (m *Monitor) Count(t EventType, key string) int {
	v, ok := m.series.Load(seriesKey(t, key))
	if !ok {
		return 0
	}
	s := v.(*series)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return 0
	}
	s.prune(windowStart(m.clock.Now(), m.windowFor(t)))
	return len(s.stamps)
}

// dispatch forwards event to every sink without waiting for acknowledgement
func (m *Monitor) dispatch(ctx context.Context, event Event) {
	m.cbMu.RLock()
	sinks := m.sinks
	m.cbMu.RUnlock()

	for _, sink := range sinks {
		if err := safeCall(func() error { return sink.HandleEvent(ctx, event) }); err != nil {
			m.logger.Warn("Security event sink failed",
				"event_type", string(event.Type),
				"error", err)
		}
	}
}

// fire records alert and invokes every callback exactly once
func (m *Monitor) fire(ctx context.Context, alert Alert) {
	total := m.totalAlerts.Add(1)

	// The history is served in reports; keep only redacted details
	stored := alert
	stored.Details = RedactDetails(alert.Details)

	m.alertMu.Lock()
	m.recentAlerts = append(m.recentAlerts, stored)
	if len(m.recentAlerts) > maxRecentAlerts {
		m.recentAlerts = m.recentAlerts[len(m.recentAlerts)-maxRecentAlerts:]
	}
	m.alertMu.Unlock()

	m.logger.Error("Security alert triggered",
		"event_type", string(alert.Type),
		"key", alert.Key,
		"count", alert.Count,
		"threshold", alert.Threshold,
		"window", alert.Window,
		"total_alerts", total)

	m.cbMu.RLock()
	callbacks := m.callbacks
	m.cbMu.RUnlock()

	for i, cb := range callbacks {
		if err := safeCall(func() error { return cb(ctx, alert) }); err != nil {
			m.logger.Error("Alert callback failed",
				"callback", i,
				"event_type", string(alert.Type),
				"error", err)
		}
	}
}

// safeCall runs fn and converts a panic into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Report summarises the events still inside their rolling windows
type Report struct {
	GeneratedAt        time.Time         `json:"generated_at"`
	TotalEvents        int               `json:"total_security_events"`
	EventsByType       map[EventType]int `json:"events_by_type"`
	HighRiskEventCount int               `json:"high_risk_event_count"`
	HealthStatus       string            `json:"health_status"`
	AlertsFired        int64             `json:"alerts_fired"`
	RecentAlerts       []Alert           `json:"recent_alerts"`
}

// Report builds a security report from events inside the rolling windows
func (m *Monitor) Report() Report {
	now := m.clock.Now()
	r := Report{
		GeneratedAt:  now,
		EventsByType: make(map[EventType]int),
	}

	m.series.Range(func(_, v any) bool {
		s := v.(*series)
		s.mu.Lock()
		if !s.removed {
			s.prune(windowStart(now, m.windowFor(s.eventType)))
			if n := len(s.stamps); n > 0 {
				r.EventsByType[s.eventType] += n
				r.TotalEvents += n
				if s.eventType.IsHighRisk() {
					r.HighRiskEventCount += n
				}
			}
		}
		s.mu.Unlock()
		return true
	})

	r.HealthStatus = HealthStatus(r.HighRiskEventCount)
	r.AlertsFired = m.totalAlerts.Load()

	m.alertMu.Lock()
	r.RecentAlerts = append([]Alert(nil), m.recentAlerts...)
	m.alertMu.Unlock()
	sort.SliceStable(r.RecentAlerts, func(i, j int) bool {
		return r.RecentAlerts[i].TriggeredAt.After(r.RecentAlerts[j].TriggeredAt)
	})

	return r
}

// HealthStatus maps a high-risk event count to a health band
func HealthStatus(highRisk int) string {
	switch {
	case highRisk > 50:
		return HealthCritical
	case highRisk > 20:
		return HealthWarning
	case highRisk > 0:
		return HealthMonitoring
	default:
		return HealthHealthy
	}
}

func (m *Monitor) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// Cleanup drops series with no events left inside their window
func (m *Monitor) Cleanup() {
	now := m.clock.Now()
	removed := 0

	m.series.Range(func(k, v any) bool {
		s := v.(*series)
		s.mu.Lock()
		if !s.removed && now.Sub(s.lastAccess) > m.windowFor(s.eventType) {
			s.removed = true
			m.series.CompareAndDelete(k, s)
			removed++
		}
		s.mu.Unlock()
		return true
	})

	if removed > 0 {
		m.logger.Debug("Security monitor cleanup completed", "removed", removed)
	}
}

// Stop gracefully stops the cleanup goroutine
// Safe to call multiple times concurrently
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})
}
