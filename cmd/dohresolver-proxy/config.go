package main

import (
	"time"

	"github.com/kestrel-dns/dohresolver/internal/flagutil"
)

// config mirrors the configuration table of spec §6, plus the ambient
// process-level switches (help/version/profiling/process constraint) the
// teacher's own config struct carries alongside its domain options.
type config struct {
	help    bool
	verbose bool
	version bool

	dnsPort int // dns_port

	upstreamURL            string        // upstream_dns_url
	upstreamTimeoutConnect time.Duration // upstream_timeout_connect
	upstreamTimeoutRead    time.Duration // upstream_timeout_read
	upstreamRetryAttempts  int           // upstream_retry_attempts

	cacheSize int // cache_size

	circuitBreakerFailureThreshold int           // circuit_breaker_failure_threshold
	circuitBreakerTimeout          time.Duration // circuit_breaker_timeout

	rateLimitEnabled        bool // rate_limit_enabled
	rateLimitRequestsPerMin int  // rate_limit_requests_per_minute

	maxConcurrentRequests int // bounded worker count, design note §9

	statusInterval time.Duration

	logLevel string // log_level
	logFile  string // log_file (empty means stdout)

	tlsClientCertFile   string // client credentials for mutual-TLS upstreams
	tlsClientKeyFile    string
	tlsCAFiles          flagutil.StringValue // non-system root CAs to validate the upstream
	tlsUseSystemRootCAs bool

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // process constraint settings
}
