// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles transport ingress per remote host.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostRateLimiter manages token buckets per remote host. Entries idle for
// two cleanup intervals are dropped.
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*hostEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostRateLimiter creates a new host-based rate limiter.
// r is requests per second, burst is the burst allowance.
func NewHostRateLimiter(r float64, burst int, cleanupInterval time.Duration) *HostRateLimiter {
	if burst < 1 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &HostRateLimiter{
		limiters: make(map[string]*hostEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from remoteAddr ("host:port" or a bare
// host) may proceed. Requests with no address are always allowed.
func (l *HostRateLimiter) Allow(remoteAddr string) bool {
	host := hostOf(remoteAddr)
	if host == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[host]
	if !exists {
		entry = &hostEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *HostRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *HostRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for host, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *HostRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func hostOf(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
