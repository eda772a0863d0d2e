package resolver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/dohresolver/internal/domain"
)

var errTestCacheFailure = errors.New("simulated cache failure")

type fakeCache struct {
	entries map[string]domain.Response
	sets    int
	setErr  error
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]domain.Response)} }

func (c *fakeCache) Get(name string, qtyp domain.QType) (domain.Response, bool) {
	resp, ok := c.entries[name+"/"+string(qtyp)]
	return resp, ok
}

func (c *fakeCache) Set(resp domain.Response) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.sets++
	c.entries[resp.Name+"/"+string(resp.Type)] = resp
	return nil
}

type fakeUpstream struct {
	resp domain.Response
	err  error
	n    int
}

func (u *fakeUpstream) Resolve(ctx context.Context, q domain.Query) (domain.Response, error) {
	u.n++
	if u.err != nil {
		return domain.Response{}, u.err
	}
	return u.resp, nil
}

type fakeLimiter struct{ err error }

func (l *fakeLimiter) Allow(ip net.IP) error { return l.err }

func validTestQuery() domain.Query {
	return domain.Query{Name: "example.com", Type: domain.TypeA, ID: 1, ClientIP: net.ParseIP("10.0.0.1"), ClientPort: 5353, PacketLen: 32}
}

func TestResolveCacheHitSkipsUpstream(t *testing.T) {
	c := newFakeCache()
	c.entries["example.com/A"] = domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 60, Source: domain.SourceCache}
	u := &fakeUpstream{}
	r := New(c, u, nil, nil)

	resp, err := r.Resolve(context.Background(), validTestQuery(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCache, resp.Source)
	assert.Equal(t, 0, u.n)
}

func TestResolveCacheMissCallsUpstreamAndStores(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 60,
		Answers: []domain.Answer{{Name: "example.com", Type: 1, TTL: 60, Data: "1.2.3.4"}}}}
	r := New(c, u, nil, nil)

	resp, err := r.Resolve(context.Background(), validTestQuery(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, 1, u.n)
	assert.Equal(t, 1, c.sets)
	assert.Len(t, resp.Answers, 1)
}

func TestResolveNXDomainNotCached(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 300, NXDomain: true}}
	r := New(c, u, nil, nil)

	_, err := r.Resolve(context.Background(), validTestQuery(), "req-3")
	require.NoError(t, err)
	assert.Equal(t, 0, c.sets)
}

func TestResolveZeroTTLNotCached(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 0}}
	r := New(c, u, nil, nil)

	_, err := r.Resolve(context.Background(), validTestQuery(), "req-4")
	require.NoError(t, err)
	assert.Equal(t, 0, c.sets)
}

func TestResolveRateLimitedNeverTouchesCacheOrUpstream(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{}
	lim := &fakeLimiter{err: &domain.RateLimitedError{RetryAfterSeconds: 5}}
	r := New(c, u, lim, nil)

	_, err := r.Resolve(context.Background(), validTestQuery(), "req-5")
	require.Error(t, err)
	var rle *domain.RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 0, u.n)
	assert.Equal(t, 0, c.sets)
}

func TestResolveUpstreamFailurePropagates(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{err: &domain.CircuitOpenError{Endpoint: "https://doh.example"}}
	r := New(c, u, nil, nil)

	_, err := r.Resolve(context.Background(), validTestQuery(), "req-6")
	require.Error(t, err)
	var coErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &coErr)

	line := r.Report(false)
	assert.Contains(t, line, "circuit_open=1")
}

func TestResolveValidationFailureNeverReachesCacheOrUpstream(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{}
	r := New(c, u, nil, nil)

	bad := validTestQuery()
	bad.Name = ""

	_, err := r.Resolve(context.Background(), bad, "req-7")
	require.Error(t, err)
	assert.Equal(t, 0, u.n)
}

func TestReportCountsTotalAndPaths(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 60}}
	r := New(c, u, nil, nil)

	_, err := r.Resolve(context.Background(), validTestQuery(), "req-8")
	require.NoError(t, err)

	line := r.Report(false)
	assert.Contains(t, line, "queries=1")
	assert.Contains(t, line, "misses=1")
	assert.Contains(t, line, "upstream=1")
	assert.Equal(t, 0, c.sets, "a TTL>0 response with no answers must not be cached")
}

func TestResolveEmptyAnswerNotCached(t *testing.T) {
	c := newFakeCache()
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 300}}
	r := New(c, u, nil, nil)

	resp, err := r.Resolve(context.Background(), validTestQuery(), "req-9")
	require.NoError(t, err)
	assert.Empty(t, resp.Answers)
	assert.Equal(t, 0, c.sets)
}

func TestResolveCacheSetErrorIsLoggedAndContinues(t *testing.T) {
	c := newFakeCache()
	c.setErr = &domain.CacheError{Op: "set", Err: errTestCacheFailure}
	u := &fakeUpstream{resp: domain.Response{Name: "example.com", Type: domain.TypeA, TTL: 60,
		Answers: []domain.Answer{{Name: "example.com", Type: 1, TTL: 60, Data: "1.2.3.4"}}}}
	r := New(c, u, nil, nil)

	resp, err := r.Resolve(context.Background(), validTestQuery(), "req-10")
	require.NoError(t, err, "a cache write failure must not fail the request")
	assert.Len(t, resp.Answers, 1)
	assert.Equal(t, 0, c.sets)
}
