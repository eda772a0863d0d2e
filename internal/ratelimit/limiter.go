// Package ratelimit implements the per-client fixed-window limiter from
// spec §4.5. The "mask the client address, look up an account struct in a
// map under one lock" shape is grounded on markdingo-rrl's debit.go
// architecture; the window arithmetic itself is not, since rrl's accounts
// are token buckets and spec §4.5 demands windows aligned to the wall-clock
// minute boundary, a different and simpler mechanism.
package ratelimit

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/domain"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
)

// account is one client IP's counter for the current window.
type account struct {
	windowStart int64 // unix seconds, floored to the minute
	count       int
}

// Limiter enforces "at most Limit requests per client IP per calendar
// minute" (spec §4.5). A Limit of 0 disables enforcement entirely: Allow
// always succeeds and no bookkeeping is kept.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*account
	limit    int
	now      func() time.Time

	allowed int64
	blocked int64
}

var _ reporter.Reporter = (*Limiter)(nil)

// New builds a Limiter permitting limit requests per client per minute.
// limit <= 0 disables the limiter.
func New(limit int) *Limiter {
	return &Limiter{
		accounts: make(map[string]*account),
		limit:    limit,
		now:      time.Now,
	}
}

// Allow reports whether ip may make another request in the current window,
// incrementing its counter when it does. When the limit is exceeded it
// returns a RateLimitedError carrying the seconds remaining until the next
// window, per spec §4.5/§7.
func (l *Limiter) Allow(ip net.IP) error {
	if l.limit <= 0 {
		return nil
	}

	key := maskKey(ip)
	now := l.now()
	windowStart := now.Truncate(time.Minute).Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[key]
	if !ok || a.windowStart != windowStart {
		a = &account{windowStart: windowStart}
		l.accounts[key] = a
	}

	if a.count >= l.limit {
		l.blocked++
		retryAfter := int(windowStart + 60 - now.Unix())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &domain.RateLimitedError{RetryAfterSeconds: retryAfter}
	}

	a.count++
	l.allowed++
	return nil
}

// maskKey reduces an address to the map key used for accounting. Unlike
// rrl's CIDR masking (aggregating a /56 or /24 block), spec §4.5 scopes the
// limit to a single client IP, so the full address is the key.
func maskKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// Sweep removes accounts whose window has closed, bounding memory growth
// across long-running processes. It should be called periodically, e.g.
// once per minute, outside the request path.
func (l *Limiter) Sweep() int {
	now := l.now()
	currentWindow := now.Truncate(time.Minute).Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, a := range l.accounts {
		if a.windowStart != currentWindow {
			delete(l.accounts, k)
			removed++
		}
	}
	return removed
}

// Name implements reporter.Reporter.
func (l *Limiter) Name() string { return "RateLimiter" }

// Report implements reporter.Reporter.
func (l *Limiter) Report(resetCounters bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("limit=%d accounts=%d allowed=%d blocked=%d", l.limit, len(l.accounts), l.allowed, l.blocked)
	if resetCounters {
		l.allowed, l.blocked = 0, 0
	}
	return line
}
