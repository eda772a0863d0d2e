package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a DNS over HTTPS resolving front end

SYNOPSIS
          {{.ProgramName}} [options]

DESCRIPTION
          {{.ProgramName}} is a recursive DNS resolver front end. It accepts classic DNS queries
          over UDP and resolves each by translating it into a DNS-over-HTTPS JSON request against a
          single configured upstream. Successful answers are cached locally honoring upstream TTLs,
          a per-client fixed-window rate limiter bounds query volume, and a three-state circuit
          breaker shields the upstream from a sustained run of failures.

          {{.ProgramName}} is designed to sit in front of a JSON-flavoured DoH resolver such as
          Google's or Cloudflare's, giving ordinary UDP-speaking DNS clients the privacy and
          integrity benefits of DoH without requiring them to speak HTTPS themselves.

INVOCATION
          $ {{.ProgramName}} -upstream https://dns.google/resolve

          Once started, DNS clients can be pointed at the listen address to start resolving over
          DoH, eg:

              $ dig @127.0.0.1 -p {{.DNSDefaultPort}} example.com a

OPTIONS
          [-h] [-v] [-version]
          [-dns-port port]
          [-upstream url] [-upstream-timeout-connect duration] [-upstream-timeout-read duration]
          [-upstream-retry-attempts count]
          [-cache-size entries]
          [-circuit-breaker-failure-threshold count] [-circuit-breaker-timeout duration]
          [-rate-limit-enabled] [-rate-limit-requests-per-minute count]
          [-max-concurrent-requests count]
          [-status-interval duration]
          [-log-level level] [-log-file file]
          [-tls-cert file] [-tls-key file] [-tls-other-roots file...] [-tls-use-system-roots]
          [-cpu-profile file] [-mem-profile file]
          [-user userName] [-group groupName] [-chroot directory]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err)
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err)
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the
// supplied command line arguments. It starts from scratch each time so test
// wrappers can call it repeatedly within one process.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	flagSet.IntVar(&cfg.dnsPort, "dns-port", 53, "Listen `port` for inbound UDP DNS queries")

	flagSet.StringVar(&cfg.upstreamURL, "upstream", "", "DoH JSON `URL` to resolve queries against")
	flagSet.DurationVar(&cfg.upstreamTimeoutConnect, "upstream-timeout-connect", 2*time.Second,
		"Upstream connect `timeout`")
	flagSet.DurationVar(&cfg.upstreamTimeoutRead, "upstream-timeout-read", 5*time.Second,
		"Upstream read `timeout`")
	flagSet.IntVar(&cfg.upstreamRetryAttempts, "upstream-retry-attempts", 2,
		"Additional retry `attempts` beyond the first")

	flagSet.IntVar(&cfg.cacheSize, "cache-size", 10000, "Maximum `entries` held in the response cache")

	flagSet.IntVar(&cfg.circuitBreakerFailureThreshold, "circuit-breaker-failure-threshold", 5,
		"Consecutive failures that trip the circuit breaker `open`")
	flagSet.DurationVar(&cfg.circuitBreakerTimeout, "circuit-breaker-timeout", 30*time.Second,
		"Duration the breaker stays open before probing again")

	flagSet.BoolVar(&cfg.rateLimitEnabled, "rate-limit-enabled", true, "Enable per-client rate limiting")
	flagSet.IntVar(&cfg.rateLimitRequestsPerMin, "rate-limit-requests-per-minute", 60,
		"Maximum `requests` per client per minute")

	flagSet.IntVar(&cfg.maxConcurrentRequests, "max-concurrent-requests", 256,
		"Maximum in-flight query `count` before backpressure")

	flagSet.DurationVar(&cfg.statusInterval, "status-interval", 15*time.Minute, "Periodic status report `interval`")

	flagSet.StringVar(&cfg.logLevel, "log-level", "info", "Log `level`: debug, info, warn or error")
	flagSet.StringVar(&cfg.logFile, "log-file", "", "Log `file` (default stdout)")

	flagSet.StringVar(&cfg.tlsClientCertFile, "tls-cert", "", "TLS client certificate `file`")
	flagSet.StringVar(&cfg.tlsClientKeyFile, "tls-key", "", "TLS client key `file`")
	flagSet.Var(&cfg.tlsCAFiles, "tls-other-roots", "Non-system root CA `file` used to validate the upstream")
	flagSet.BoolVar(&cfg.tlsUseSystemRootCAs, "tls-use-system-roots", true, "Validate the upstream with system root CAs")

	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	return flagSet.Parse(args[1:])
}
