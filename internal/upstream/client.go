// Package upstream implements the DoH JSON client described in spec §4.3:
// request translation, bounded retry with exponential backoff, and a
// three-state circuit breaker. It is grounded on the teacher's
// internal/resolver/doh/resolver.go (HTTPClientDo test seam, New(config,
// client) constructor, per-call stats under a lock) adapted from RFC8484
// wire-format POST to the JSON GET variant spec §4.3/§6 calls for, with the
// circuit breaker (absent from the teacher, present in original_source's
// upstream_service.py) layered on top.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/constants"
	"github.com/kestrel-dns/dohresolver/internal/domain"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
)

// HTTPClientDo is the single http.Client method this package uses. Modeled
// on the teacher's HTTPClientDo seam so tests can substitute a fake without
// spinning up a real listener.
type HTTPClientDo interface {
	Do(*http.Request) (*http.Response, error)
}

var defaultTTL = constants.Get().DefaultUpstreamTTLSeconds // spec §4.3's fallback TTL

// jsonAnswer mirrors one element of the DoH JSON "Answer" array.
type jsonAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// jsonResponse mirrors the DoH JSON response body (RFC-ish, Google/Cloudflare
// JSON API shape): {"Status": int, "Answer": [...]}.
type jsonResponse struct {
	Status int          `json:"Status"`
	Answer []jsonAnswer `json:"Answer"`
}

// stats are the per-upstream counters, named after original_source's
// upstream_service.py _stats dict.
type stats struct {
	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	timeoutErrors        int64
	connectionErrors     int64
	serviceErrors        int64
	circuitBreakerBlocks int64
	totalResponseTimeNS  int64
}

// Client is the upstream DoH JSON client. One Client owns one breaker for
// one upstream endpoint, per spec §3's UpstreamState "one instance per
// upstream, lives for process lifetime".
type Client struct {
	cfg     Config
	http    HTTPClientDo
	breaker *breaker
	log     *slog.Logger
	backoff func(attempt int) time.Duration

	mu    sync.Mutex
	stats stats
}

var _ reporter.Reporter = (*Client)(nil)

// New constructs a Client. httpClient may be nil, in which case
// http.DefaultClient is used (teacher's New() does the same).
func New(cfg Config, httpClient HTTPClientDo, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: newBreaker(cfg.FailureThreshold, cfg.RecoveryTimeout),
		log:     log,
		backoff: backoffFor,
	}
}

// Resolve issues (and, on a retriable failure, retries) a DoH JSON GET for
// q, implementing spec §4.3 end to end: admission check, request
// translation, retry/backoff, response parsing and TTL derivation.
func (c *Client) Resolve(ctx context.Context, q domain.Query) (domain.Response, error) {
	if !c.breaker.admit() {
		c.addBlocked()
		return domain.Response{}, &domain.CircuitOpenError{Endpoint: c.cfg.ServiceURL}
	}

	c.addTotal()
	start := time.Now()

	maxAttempts := c.cfg.RetryAttempts + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt - 1)
			c.log.Debug("retrying upstream request", "attempt", attempt+1, "max_attempts", maxAttempts,
				"name", q.Name, "type", string(q.Type), "backoff", backoff)
			select {
			case <-ctx.Done():
				return domain.Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.attempt(ctx, q, attempt+1)
		if err == nil {
			c.breaker.recordSuccess()
			c.addSuccess(time.Since(start))
			resp.ElapsedMS = time.Since(start).Milliseconds()
			resp.Source = domain.SourceUpstream
			resp.At = time.Now()
			return resp, nil
		}

		lastErr = err
		c.classifyFailure(err)
		if !domain.Retriable(err) {
			c.breaker.recordFailure()
			c.addFailed()
			return domain.Response{}, err
		}
		c.breaker.recordFailure()
	}

	c.addFailed()
	return domain.Response{}, lastErr
}

// backoffFor returns min(2^i, 10) seconds, spec §4.3's backoff formula,
// where i is the zero-based retry index.
func backoffFor(i int) time.Duration {
	d := time.Duration(1) << uint(i)
	if d > 10 {
		d = 10
	}
	return d * time.Second
}

// attempt performs exactly one HTTP round trip and parses the response.
func (c *Client) attempt(ctx context.Context, q domain.Query, attemptNum int) (domain.Response, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.cfg.TimeoutRead)
	defer cancel()

	reqURL, err := buildURL(c.cfg.ServiceURL, q)
	if err != nil {
		return domain.Response{}, &domain.ValidationError{Reason: "bad upstream url", Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.Response{}, &domain.UpstreamConnectionError{Endpoint: c.cfg.ServiceURL, Attempt: attemptNum, Err: err}
	}
	req.Header.Set(constants.Get().AcceptHeader, constants.Get().DoHJSONAccept)

	resp, err := c.http.Do(req)
	if err != nil {
		if readCtx.Err() != nil {
			return domain.Response{}, &domain.UpstreamTimeoutError{Endpoint: c.cfg.ServiceURL, Attempt: attemptNum}
		}
		return domain.Response{}, &domain.UpstreamConnectionError{Endpoint: c.cfg.ServiceURL, Attempt: attemptNum, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Response{}, &domain.UpstreamServiceError{Endpoint: c.cfg.ServiceURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Response{}, &domain.UpstreamConnectionError{Endpoint: c.cfg.ServiceURL, Err: err}
	}

	var parsed jsonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Response{}, &domain.ValidationError{Reason: "bad upstream json", Detail: err.Error()}
	}

	return responseFromJSON(q, parsed), nil
}

// buildURL forms the DoH JSON GET URL per spec §6:
// <service_url>?name=<qname>&type=<qtype>&cd=false&do=false
func buildURL(serviceURL string, q domain.Query) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", err
	}
	qs := u.Query()
	qs.Set("name", q.Name)
	qs.Set("type", string(q.Type))
	qs.Set("cd", "false")
	qs.Set("do", "false")
	u.RawQuery = qs.Encode()
	return u.String(), nil
}

// responseFromJSON extracts answers and derives the effective TTL: the
// minimum TTL across all answer entries, or defaultTTL if none are usable.
func responseFromJSON(q domain.Query, parsed jsonResponse) domain.Response {
	answers := make([]domain.Answer, 0, len(parsed.Answer))
	minTTL := -1
	for _, a := range parsed.Answer {
		answers = append(answers, domain.Answer{
			Name: a.Name,
			Type: uint16(a.Type),
			TTL:  a.TTL,
			Data: a.Data,
		})
		if minTTL == -1 || a.TTL < minTTL {
			minTTL = a.TTL
		}
	}
	ttl := defaultTTL
	if minTTL >= 0 {
		ttl = minTTL
	}

	return domain.Response{
		Name:     q.Name,
		Type:     q.Type,
		Answers:  answers,
		TTL:      ttl,
		NXDomain: parsed.Status == 3,
	}
}

func (c *Client) addTotal() {
	c.mu.Lock()
	c.stats.totalRequests++
	c.mu.Unlock()
}

func (c *Client) addBlocked() {
	c.mu.Lock()
	c.stats.circuitBreakerBlocks++
	c.mu.Unlock()
}

func (c *Client) addSuccess(d time.Duration) {
	c.mu.Lock()
	c.stats.successfulRequests++
	c.stats.totalResponseTimeNS += d.Nanoseconds()
	c.mu.Unlock()
}

func (c *Client) addFailed() {
	c.mu.Lock()
	c.stats.failedRequests++
	c.mu.Unlock()
}

func (c *Client) classifyFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch err.(type) {
	case *domain.UpstreamTimeoutError:
		c.stats.timeoutErrors++
	case *domain.UpstreamConnectionError:
		c.stats.connectionErrors++
	case *domain.UpstreamServiceError:
		c.stats.serviceErrors++
	}
}

// Name implements reporter.Reporter.
func (c *Client) Name() string { return "Upstream: " + c.cfg.ServiceURL }

// Report implements reporter.Reporter.
func (c *Client) Report(resetCounters bool) string {
	c.mu.Lock()
	s := c.stats
	if resetCounters {
		c.stats = stats{}
	}
	c.mu.Unlock()

	state, failures := c.breaker.snapshot()

	var avgMS float64
	if s.successfulRequests > 0 {
		avgMS = float64(s.totalResponseTimeNS) / float64(s.successfulRequests) / float64(time.Millisecond)
	}

	return fmt.Sprintf(
		"req=%d ok=%d failed=%d (timeout=%d conn=%d service=%d) breaker=%s(failures=%d) blocked=%d al=%.2fms",
		s.totalRequests, s.successfulRequests, s.failedRequests,
		s.timeoutErrors, s.connectionErrors, s.serviceErrors,
		state, failures, s.circuitBreakerBlocks, avgMS)
}
