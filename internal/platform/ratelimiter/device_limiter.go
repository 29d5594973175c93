// Package ratelimiter bounds how many reports a single device may push
// through the engine per poll window, protecting the decrypt path from
// flood traffic.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeviceLimiter applies a token bucket per device ID and evicts idle
// entries as a side effect of regular use.
type DeviceLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	byDevice map[string]*bucket
	hits     uint64
	dropped  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-device limiter; returns nil (meaning "unlimited") if
// the arguments are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *DeviceLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &DeviceLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		byDevice: make(map[string]*bucket),
	}
}

// Allow reports whether one report may be processed for the device at now.
// A nil limiter allows everything.
func (l *DeviceLimiter) Allow(deviceID string, now time.Time) bool {
	if l == nil {
		return true
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byDevice[deviceID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byDevice[deviceID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	if !allowed {
		l.dropped++
	}

	l.hits++
	if l.hits%256 == 0 {
		l.evictIdle(now)
	}
	return allowed
}

// Dropped returns how many reports the limiter has refused so far.
func (l *DeviceLimiter) Dropped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Forget drops limiter state for a device that left tracking.
func (l *DeviceLimiter) Forget(deviceID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byDevice, deviceID)
}

func (l *DeviceLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, b := range l.byDevice {
		if b.lastSeen.Before(cutoff) {
			delete(l.byDevice, id)
		}
	}
}
