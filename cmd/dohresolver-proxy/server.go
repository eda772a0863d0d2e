package main

/*

This module is the UDP front end of spec §4.6. It binds a UDP socket, reads datagrams up to 512
bytes, and hands each off to a short-lived task: parse, resolve, build reply, send. It is adapted
from the teacher's cmd/trustydns-proxy/server.go start/stop/NotifyStartedFunc-style readiness
idiom, but built on an explicit net.ListenUDP + SetReadDeadline loop rather than dns.Server, since
the receive loop itself must be interruptible on a short poll for the shutdown flag (§4.6/§5)
rather than relying on a Shutdown() call racing a blocking Read.

A parse failure is logged and silently dropped -- no reply is sent, matching §7's "Malformed
packet ... drop (no reply)" rule. Every other failure is mapped to an rcode by wire.BuildErrorReply
and sent back to the client.

*/

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/concurrencytracker"
	"github.com/kestrel-dns/dohresolver/internal/domain"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
	"github.com/kestrel-dns/dohresolver/internal/wire"
)

// readTimeout bounds how long each ReadFromUDP call blocks before the loop
// re-checks the shutdown flag, per spec §4.6/§5.
const readTimeout = 250 * time.Millisecond

// resolveFunc is the narrow seam onto *resolver.Resolver's Resolve method.
type resolveFunc func(ctx context.Context, q domain.Query, requestID string) (domain.Response, error)

const ( // ser = Server ERror index into failureCounters
	serMalformed = iota
	serValidation
	serUpstream
	serWriteFailed
	serListSize
)

type stats struct {
	received        int64
	repliesSent     int64
	dropped         int64
	failureCounters [serListSize]int64
}

type server struct {
	log           *slog.Logger
	resolve       resolveFunc
	listenAddress string
	readDeadline  func() time.Time

	conn     *net.UDPConn
	stopping chan struct{}
	wg       sync.WaitGroup
	sendMu   sync.Mutex // §5: UDP socket send is single-owner; replies come from worker tasks

	sem chan struct{} // bounded worker count, design note §9
	cct concurrencytracker.Counter

	mu sync.Mutex
	stats
}

var _ reporter.Reporter = (*server)(nil)

func newServer(listenAddress string, maxConcurrent int, resolve resolveFunc, log *slog.Logger) *server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &server{
		log:           log,
		resolve:       resolve,
		listenAddress: listenAddress,
		readDeadline:  func() time.Time { return time.Now().Add(readTimeout) },
		stopping:      make(chan struct{}),
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// start opens the UDP socket and launches the receive loop. It returns once
// the socket is confirmed open (or failed to open), mirroring the
// NotifyStartedFunc discipline of the teacher's dns.Server-based start().
func (s *server) start() error {
	addr, err := net.ResolveUDPAddr("udp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("server: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.conn = conn

	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// stop closes the socket and waits for in-flight tasks to drain, bounded by
// timeout, per spec §4.6's shutdown discipline.
func (s *server) stop(timeout time.Duration) {
	close(s.stopping)
	if s.conn != nil {
		s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (s *server) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 512)
	for {
		select {
		case <-s.stopping:
			return
		default:
		}

		s.conn.SetReadDeadline(s.readDeadline())
		n, clientAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return // socket closed out from under us, e.g. by stop()
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.addReceived()
		s.sem <- struct{}{} // acquire a worker slot, bounding concurrent load
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handle(payload, clientAddr)
		}()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *server) handle(payload []byte, clientAddr *net.UDPAddr) {
	s.cct.Add()
	defer s.cct.Done()

	query, cerr := wire.Parse(payload, clientAddr)
	if cerr != nil {
		s.addDropped()
		s.addFailure(serMalformed)
		s.log.Warn("dropping malformed packet", "component", "server", "client", clientAddr.String(), "error_kind", cerr.Reason)
		return // malformed packet: logged and silently dropped per spec §7
	}

	ctx := context.Background()
	rid := requestID(query)
	resp, err := s.resolve(ctx, query, rid)
	if err != nil {
		s.addFailure(failureIndex(err))
		s.log.Info("resolution failed", "component", "server", "request_id", rid, "error", err.Error())
		out, buildErr := wire.BuildErrorReply(payload, errorKindFor(err))
		if buildErr != nil {
			return
		}
		s.reply(out, clientAddr)
		return
	}

	out, err := wire.BuildReply(payload, resp)
	if err != nil {
		s.addFailure(serWriteFailed)
		return
	}
	s.reply(out, clientAddr)
}

func (s *server) reply(payload []byte, clientAddr *net.UDPAddr) {
	s.sendMu.Lock()
	_, err := s.conn.WriteToUDP(payload, clientAddr)
	s.sendMu.Unlock()
	if err != nil {
		s.addFailure(serWriteFailed)
		return
	}
	s.addReplySent()
}

// requestID derives a short per-request correlation id from the query's
// transaction id and client port; good enough for threading a single
// request's log lines together without a dependency on a UUID generator.
func requestID(q domain.Query) string {
	return fmt.Sprintf("%04x-%d", q.ID, q.ClientPort)
}

func errorKindFor(err error) wire.ErrorKind {
	var rle *domain.RateLimitedError
	if errors.As(err, &rle) {
		return wire.ErrRefused
	}
	return wire.ErrServfail
}

func failureIndex(err error) int {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return serValidation
	}
	var rle *domain.RateLimitedError
	if errors.As(err, &rle) {
		return serValidation
	}
	return serUpstream
}

func (s *server) addReceived() {
	s.mu.Lock()
	s.stats.received++
	s.mu.Unlock()
}

func (s *server) addDropped() {
	s.mu.Lock()
	s.stats.dropped++
	s.mu.Unlock()
}

func (s *server) addReplySent() {
	s.mu.Lock()
	s.stats.repliesSent++
	s.mu.Unlock()
}

func (s *server) addFailure(ix int) {
	s.mu.Lock()
	s.stats.failureCounters[ix]++
	s.mu.Unlock()
}

// Name implements reporter.Reporter.
func (s *server) Name() string { return "Server: (on " + s.listenAddress + "/udp)" }

// Report implements reporter.Reporter.
func (s *server) Report(resetCounters bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("recv=%d sent=%d dropped=%d failed=(malformed=%d validation=%d upstream=%d write=%d) concurrency=%d",
		s.stats.received, s.stats.repliesSent, s.stats.dropped,
		s.stats.failureCounters[serMalformed], s.stats.failureCounters[serValidation],
		s.stats.failureCounters[serUpstream], s.stats.failureCounters[serWriteFailed],
		s.cct.Peak(resetCounters))

	if resetCounters {
		s.stats = stats{}
	}
	return line
}
