// dohresolver-proxy listens for inbound classic DNS queries over UDP and
// resolves them by translating each into a DNS-over-HTTPS JSON request.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/cache"
	"github.com/kestrel-dns/dohresolver/internal/constants"
	"github.com/kestrel-dns/dohresolver/internal/logging"
	"github.com/kestrel-dns/dohresolver/internal/osutil"
	"github.com/kestrel-dns/dohresolver/internal/ratelimit"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
	"github.com/kestrel-dns/dohresolver/internal/resolver"
	"github.com/kestrel-dns/dohresolver/internal/tlsutil"
	"github.com/kestrel-dns/dohresolver/internal/upstream"

	"golang.org/x/net/http2"
)

// Program-wide variables, mirroring the teacher's own globals so test
// wrappers can call mainInit/mainExecute repeatedly within one process.
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

// mainInit resets everything such that mainExecute() can be called multiple
// times in one program execution, for the benefit of test wrappers.
func mainInit(out, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4)
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	if len(cfg.upstreamURL) == 0 {
		return fatal("Must supply a DoH JSON upstream URL (-upstream)")
	}
	if cfg.cacheSize <= 0 {
		return fatal("-cache-size must be positive")
	}
	if cfg.upstreamRetryAttempts < 0 || cfg.upstreamRetryAttempts > 10 {
		return fatal("-upstream-retry-attempts must be between 0 and 10")
	}

	log, err := logging.New(cfg.logFile, cfg.logLevel, "text")
	if err != nil {
		return fatal(err)
	}

	tlsConfig, err := tlsutil.NewClientTLSConfig(cfg.tlsUseSystemRootCAs, cfg.tlsCAFiles.Args(),
		cfg.tlsClientCertFile, cfg.tlsClientKeyFile)
	if err != nil {
		return fatal(err)
	}

	tr := &http.Transport{TLSClientConfig: tlsConfig}
	if err := http2.ConfigureTransport(tr); err != nil {
		return fatal(err)
	}
	httpClient := &http.Client{Timeout: cfg.upstreamTimeoutConnect + cfg.upstreamTimeoutRead, Transport: tr}

	upstreamClient := upstream.New(upstream.Config{
		ServiceURL:       cfg.upstreamURL,
		TimeoutConnect:   cfg.upstreamTimeoutConnect,
		TimeoutRead:      cfg.upstreamTimeoutRead,
		RetryAttempts:    cfg.upstreamRetryAttempts,
		FailureThreshold: cfg.circuitBreakerFailureThreshold,
		RecoveryTimeout:  cfg.circuitBreakerTimeout,
	}, httpClient, log)

	respCache := cache.New(cfg.cacheSize, log)

	rateLimit := 0 // 0 disables enforcement
	if cfg.rateLimitEnabled {
		rateLimit = cfg.rateLimitRequestsPerMin
	}
	limiter := ratelimit.New(rateLimit)

	res := resolver.New(respCache, upstreamClient, limiter, log)

	var reporters []reporter.Reporter
	reporters = append(reporters, respCache, upstreamClient, limiter, res)

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	listenAddress := fmt.Sprintf(":%d", cfg.dnsPort)
	srv := newServer(listenAddress, cfg.maxConcurrentRequests, res.Resolve, log)
	if err := srv.start(); err != nil {
		return fatal(err)
	}
	reporters = append(reporters, srv)

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting:", cfg.upstreamURL, "on", listenAddress)
	}

	if err := osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir); err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	mainStarted = true
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if s == syscall.SIGUSR1 {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	srv.stop(5 * time.Second)
	mainStopped = true

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	if memProfileFile != nil {
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

// nextInterval calculates the duration to the next modulo interval boundary.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		for _, s := range strings.Split(r.Report(resetCounters), "\n") {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
