// Package ratelimit implements per-service token buckets with optional
// per-user sub-buckets and a sliding one-hour statistics window, used to
// throttle calls to upstream APIs.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/config"
)

// statsWindow is the sliding statistics retention window.
const statsWindow = time.Hour

// trimInterval is how often the background trimmer discards old entries.
const trimInterval = time.Minute

// service holds the default bucket, per-user sub-buckets, and the request
// log for one rate-limited upstream.
type service struct {
	limit config.ServiceLimit

	bucket *bucket

	mu     sync.Mutex
	users  map[string]*bucket
	window []sample
	minute []time.Time
	hour   []time.Time
}

// sample is one recorded upstream call outcome.
type sample struct {
	at          time.Time
	success     bool
	latencyMS   float64
	rateLimited bool
}

// ServiceStatus is the point-in-time view of one service's limiter.
type ServiceStatus struct {
	AllowedRPS      float64 `json:"allowed_rps"`
	CurrentRPS      float64 `json:"current_rps"`
	TokensAvailable float64 `json:"tokens_available"`
	QueueSize       int     `json:"queue_size"`
}

// ServiceStats summarizes one service's sliding window.
type ServiceStats struct {
	Total          int     `json:"total_last_hour"`
	RateLimited    int     `json:"rate_limited"`
	RateLimitedPct float64 `json:"rate_limited_pct"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

// Stats aggregates the sliding window across all services.
type Stats struct {
	Total          int                     `json:"total_last_hour"`
	RateLimited    int                     `json:"rate_limited"`
	RateLimitedPct float64                 `json:"rate_limited_pct"`
	SuccessRate    float64                 `json:"success_rate"`
	AvgLatencyMS   float64                 `json:"avg_latency_ms"`
	PerService     map[string]ServiceStats `json:"per_service"`
}

// Limiter owns one token bucket per configured upstream service. Unknown
// services fail open with a one-time warning.
type Limiter struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	services map[string]*service
	warned   map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a limiter for the configured service table and starts the
// background statistics trimmer.
func New(table map[string]config.ServiceLimit, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	lim := &Limiter{
		logger:   logger,
		now:      time.Now,
		services: make(map[string]*service, len(table)),
		warned:   make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	start := lim.now()

	for name, limit := range table {
		lim.services[name] = &service{
			limit:  limit,
			bucket: newBucket(limit.Capacity, limit.RefillRPS, start),
			users:  make(map[string]*bucket),
		}
	}

	go lim.trimLoop()

	return lim
}

// Close stops the background trimmer.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// lookup returns the named service, or nil after logging a one-time warning.
func (l *Limiter) lookup(name string) *service {
	l.mu.Lock()
	defer l.mu.Unlock()

	svc, ok := l.services[name]
	if ok {
		return svc
	}

	if _, seen := l.warned[name]; !seen {
		l.warned[name] = struct{}{}
		l.logger.Warn("rate limit check for unconfigured service, failing open", "service", name)
	}

	return nil
}

// bucketFor resolves the bucket used for the given user. An empty user id
// selects the service's default bucket; otherwise a per-user sub-bucket is
// created lazily with the same parameters.
func (svc *service) bucketFor(userID string, now time.Time) *bucket {
	if userID == "" {
		return svc.bucket
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	b, ok := svc.users[userID]
	if !ok {
		b = newBucket(svc.limit.Capacity, svc.limit.RefillRPS, now)
		svc.users[userID] = b
	}

	return b
}

// Check previews an acquisition without consuming tokens, applying the same
// window caps Acquire enforces. Unknown services are allowed with zero
// delay.
func (l *Limiter) Check(serviceName, userID string) (bool, float64) {
	svc := l.lookup(serviceName)
	if svc == nil {
		return true, 0
	}

	now := l.now()

	if delay, capped := svc.windowCapDelay(now); capped {
		return false, delay
	}

	return svc.bucketFor(userID, now).check(now, 1)
}

// Acquire consumes n tokens when available. On denial it returns the delay
// in seconds the caller would need to wait. Unknown services are allowed
// with zero delay.
func (l *Limiter) Acquire(serviceName, userID string, n int) (bool, float64) {
	svc := l.lookup(serviceName)
	if svc == nil {
		return true, 0
	}

	now := l.now()

	if delay, capped := svc.windowCapDelay(now); capped {
		return false, delay
	}

	allowed, delay := svc.bucketFor(userID, now).acquire(now, float64(n))
	if allowed {
		svc.recordAcquisition(now)
	}

	return allowed, delay
}

// windowCapDelay enforces the per-minute and per-hour caps, returning the
// wait until the oldest acquisition leaves the saturated window.
func (svc *service) windowCapDelay(now time.Time) (float64, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.minute = pruneWindow(svc.minute, now.Add(-time.Minute))
	svc.hour = pruneWindow(svc.hour, now.Add(-time.Hour))

	if svc.limit.PerMinute > 0 && len(svc.minute) >= svc.limit.PerMinute {
		return svc.minute[0].Add(time.Minute).Sub(now).Seconds(), true
	}

	if svc.limit.PerHour > 0 && len(svc.hour) >= svc.limit.PerHour {
		return svc.hour[0].Add(time.Hour).Sub(now).Seconds(), true
	}

	return 0, false
}

func (svc *service) recordAcquisition(now time.Time) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.minute = append(svc.minute, now)
	svc.hour = append(svc.hour, now)
}

// pruneWindow drops timestamps at or before the cutoff.
func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}

	return window[idx:]
}

// Record appends one upstream call outcome to the sliding statistics log.
func (l *Limiter) Record(serviceName, userID string, success bool, latencyMS float64, rateLimited bool) {
	svc := l.lookup(serviceName)
	if svc == nil {
		return
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.window = append(svc.window, sample{
		at:          l.now(),
		success:     success,
		latencyMS:   latencyMS,
		rateLimited: rateLimited,
	})
}

// ServiceStatus reports the current limiter view for one service.
func (l *Limiter) ServiceStatus(serviceName string) (ServiceStatus, bool) {
	svc := l.lookup(serviceName)
	if svc == nil {
		return ServiceStatus{}, false
	}

	now := l.now()

	svc.mu.Lock()
	recentMinute := len(pruneWindow(append([]time.Time(nil), svc.minute...), now.Add(-time.Minute)))
	svc.mu.Unlock()

	return ServiceStatus{
		AllowedRPS:      svc.limit.RefillRPS,
		CurrentRPS:      float64(recentMinute) / time.Minute.Seconds(),
		TokensAvailable: svc.bucket.tokens(now),
		QueueSize:       0,
	}, true
}

// Services returns the configured service names.
func (l *Limiter) Services() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}

	return names
}

// trimLoop periodically discards statistics entries older than one hour.
func (l *Limiter) trimLoop() {
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.trim()
		}
	}
}

func (l *Limiter) trim() {
	cutoff := l.now().Add(-statsWindow)

	l.mu.Lock()
	services := make([]*service, 0, len(l.services))

	for _, svc := range l.services {
		services = append(services, svc)
	}
	l.mu.Unlock()

	for _, svc := range services {
		svc.mu.Lock()

		idx := 0
		for idx < len(svc.window) && svc.window[idx].at.Before(cutoff) {
			idx++
		}

		svc.window = svc.window[idx:]
		svc.mu.Unlock()
	}
}
