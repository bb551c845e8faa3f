// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast a single source address may open new
// tunnel sessions.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients  = 10000
	defaultIdleTimeout = 5 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-source token buckets.
type Limiter struct {
	mu          sync.Mutex
	clients     map[netip.Addr]*client
	limit       rate.Limit
	burst       int
	maxClients  int
	idleTimeout time.Duration
	now         func() time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

// NewLimiter creates a limiter granting each source perSecond session
// openings with the given burst. At most maxClients sources are tracked;
// sources idle for longer than idleTimeout are forgotten.
func NewLimiter(perSecond float64, burst, maxClients int, idleTimeout time.Duration) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if burst <= 0 {
		burst = 1
	}

	l := &Limiter{
		clients:     make(map[netip.Addr]*client),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go l.cleanupLoop()

	return l
}

// Allow reports whether src may open a session now. A nil limiter allows
// everything.
func (l *Limiter) Allow(src netip.Addr) bool {
	if l == nil {
		return true
	}
	src = src.Unmap()

	l.mu.Lock()
	c, ok := l.clients[src]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[src] = c
	}
	now := l.now()
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Stats returns the number of tracked sources.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for src, c := range l.clients {
		if now.Sub(c.lastSeen) >= l.idleTimeout {
			delete(l.clients, src)
		}
	}
}
