// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter hands out one token bucket per client IP, so a single caller
// hammering the data query endpoint cannot starve everyone else's read-ahead
// budget. Idle clients are swept periodically so the map does not grow
// without bound.
type ClientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewClientLimiter builds a limiter. A non-positive limit disables rate
// limiting entirely (Middleware becomes a no-op passthrough).
func NewClientLimiter(limit rate.Limit, burst int) *ClientLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(limit) + 1
	}
	cl := &ClientLimiter{limit: limit, burst: burst, clients: make(map[string]*clientEntry)}
	go cl.sweep()
	return cl
}

func (cl *ClientLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		cl.mu.Lock()
		for k, e := range cl.clients {
			if e.seen.Before(cutoff) {
				delete(cl.clients, k)
			}
		}
		cl.mu.Unlock()
	}
}

func (cl *ClientLimiter) allow(key string) bool {
	cl.mu.Lock()
	e, ok := cl.clients[key]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[key] = e
	}
	e.seen = time.Now()
	cl.mu.Unlock()
	return e.limiter.Allow()
}

// Middleware rejects requests over the per-client rate with 429. When cl is
// nil (rate limiting disabled) it passes every request through unchanged.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	if cl == nil {
		return next
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !cl.allow(host) {
			http.Error(rw, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(rw, r)
	})
}
