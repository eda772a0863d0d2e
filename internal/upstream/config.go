package upstream

import "time"

// Config mirrors the upstream-related options of spec §6's configuration
// table: service URL plus per-attempt timeouts, retry budget and circuit
// breaker thresholds.
type Config struct {
	ServiceURL string // DoH JSON endpoint, e.g. https://dns.example/resolve

	TimeoutConnect time.Duration
	TimeoutRead    time.Duration
	RetryAttempts  int // additional attempts beyond the first, 0..10

	FailureThreshold int           // circuit_breaker_failure_threshold
	RecoveryTimeout  time.Duration // circuit_breaker_timeout
}
