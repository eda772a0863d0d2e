// Package resolver implements the orchestrator of spec §4.4: admission,
// cache lookup, upstream call, cache write, response assembly, structured
// logging and statistics. It generalizes the teacher's Resolver interface
// (formerly in this file) from a dns.Msg-in/dns.Msg-out shape to
// domain.Query/domain.Response, and adds the cache/rate-limiter/circuit
// -breaker steps the teacher's single-resolver proxy never needed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/domain"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
)

// Upstream is the narrow seam onto *upstream.Client that lets tests
// substitute a fake, mirroring the teacher's own preference for small
// resolver-shaped interfaces over concrete types.
type Upstream interface {
	Resolve(ctx context.Context, q domain.Query) (domain.Response, error)
}

// CacheStore is the narrow seam onto *cache.Cache.
type CacheStore interface {
	Get(name string, qtyp domain.QType) (domain.Response, bool)
	Set(resp domain.Response) error
}

// Limiter is the narrow seam onto *ratelimit.Limiter.
type Limiter interface {
	Allow(ip net.IP) error
}

// stats are the orchestrator-level counters from spec §4.4.
type stats struct {
	totalQueries        int64
	cacheHits           int64
	cacheMisses         int64
	upstreamQueries     int64
	rateLimited         int64
	circuitOpenFailures int64
	upstreamFailures    int64
	validationFailures  int64
	totalResponseTimeMS int64
}

// Resolver stitches the cache, upstream client and rate limiter together.
type Resolver struct {
	cache    CacheStore
	upstream Upstream
	limiter  Limiter // nil disables rate limiting entirely
	log      *slog.Logger

	mu    sync.Mutex
	stats stats
}

var _ reporter.Reporter = (*Resolver)(nil)

// New builds a Resolver. limiter may be nil to disable rate limiting.
func New(cache CacheStore, upstream Upstream, limiter Limiter, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cache: cache, upstream: upstream, limiter: limiter, log: log}
}

// Resolve runs the full pipeline of spec §4.4 for one validated Query:
// admission, cache lookup, upstream call, cache write, response assembly.
func (r *Resolver) Resolve(ctx context.Context, q domain.Query, requestID string) (domain.Response, error) {
	start := time.Now()
	r.incr(&r.stats.totalQueries)

	logger := r.log.With("component", "resolver", "request_id", requestID, "name", q.Name, "type", string(q.Type))

	if err := q.Validate(); err != nil {
		r.incr(&r.stats.validationFailures)
		logger.Warn("validation failed", "error_kind", "validation", "error", err)
		return domain.Response{}, err
	}

	if r.limiter != nil {
		if err := r.limiter.Allow(q.ClientIP); err != nil {
			r.incr(&r.stats.rateLimited)
			logger.Info("rate limited", "error_kind", "rate_limited", "error", err)
			return domain.Response{}, err
		}
	}

	if resp, ok := r.cache.Get(q.Name, q.Type); ok {
		r.incr(&r.stats.cacheHits)
		r.addResponseTime(time.Since(start))
		logger.Debug("cache hit", "ttl", resp.TTL)
		return resp, nil
	}
	r.incr(&r.stats.cacheMisses)

	resp, err := r.upstream.Resolve(ctx, q)
	if err != nil {
		r.classifyUpstreamFailure(err)
		logger.Error("upstream resolution failed", "error_kind", errorKind(err), "error", err)
		return domain.Response{}, err
	}
	r.incr(&r.stats.upstreamQueries)

	if shouldCache(resp) {
		if err := r.cache.Set(resp); err != nil {
			logger.Warn("cache set failed", "error_kind", "cache", "error", err)
		}
	}

	r.addResponseTime(time.Since(start))
	logger.Debug("resolved via upstream", "ttl", resp.TTL, "answers", len(resp.Answers))
	return resp, nil
}

// shouldCache reports whether resp qualifies for caching per spec §4.4:
// ttl > 0, at least one answer, and not an NXDOMAIN or other non-response.
// An empty-success reply (Status=0, Answer=[]) is deliberately excluded even
// though upstream assigns it a positive default TTL.
func shouldCache(resp domain.Response) bool {
	if resp.TTL <= 0 {
		return false
	}
	if resp.NXDomain {
		return false
	}
	if len(resp.Answers) == 0 {
		return false
	}
	return true
}

func (r *Resolver) classifyUpstreamFailure(err error) {
	var circuitOpen *domain.CircuitOpenError
	if errors.As(err, &circuitOpen) {
		r.incr(&r.stats.circuitOpenFailures)
		return
	}
	r.incr(&r.stats.upstreamFailures)
}

func errorKind(err error) string {
	switch {
	case asKind[*domain.CircuitOpenError](err):
		return "circuit_open"
	case asKind[*domain.UpstreamTimeoutError](err):
		return "upstream_timeout"
	case asKind[*domain.UpstreamConnectionError](err):
		return "upstream_connection"
	case asKind[*domain.UpstreamServiceError](err):
		return "upstream_service"
	case asKind[*domain.ValidationError](err):
		return "validation"
	default:
		return "internal"
	}
}

func asKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func (r *Resolver) incr(counter *int64) {
	r.mu.Lock()
	*counter++
	r.mu.Unlock()
}

func (r *Resolver) addResponseTime(d time.Duration) {
	r.mu.Lock()
	r.stats.totalResponseTimeMS += d.Milliseconds()
	r.mu.Unlock()
}

// Name implements reporter.Reporter.
func (r *Resolver) Name() string { return "Resolver" }

// Report implements reporter.Reporter.
func (r *Resolver) Report(resetCounters bool) string {
	r.mu.Lock()
	s := r.stats
	if resetCounters {
		r.stats = stats{}
	}
	r.mu.Unlock()

	var avgMS float64
	if s.totalQueries > 0 {
		avgMS = float64(s.totalResponseTimeMS) / float64(s.totalQueries)
	}

	return fmt.Sprintf(
		"queries=%d hits=%d misses=%d upstream=%d rate_limited=%d circuit_open=%d upstream_failed=%d validation_failed=%d avg_ms=%.2f",
		s.totalQueries, s.cacheHits, s.cacheMisses, s.upstreamQueries, s.rateLimited,
		s.circuitOpenFailures, s.upstreamFailures, s.validationFailures, avgMS)
}
