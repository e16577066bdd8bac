package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	Exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanges_total",
		Help: "Exchange iterations by role and outcome.",
	}, []string{"role", "outcome"})
	SendRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "send_retries_total",
		Help: "Controller send attempts repeated after a failure, by reason.",
	}, []string{"reason"})
	FatalResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fatal_total",
		Help: "Fatal handler invocations (each precedes a process restart).",
	})
	SimPeerResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_peer_resets_total",
		Help: "In-process restarts of the simulated bus peer.",
	})
	BusTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_bytes_total",
		Help: "Payload bytes successfully transmitted on the bus.",
	})
	BusRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_bytes_total",
		Help: "Payload bytes successfully received from the bus.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed link frames (invalid length, checksum).",
	})
	DiagDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diag_dropped_lines_total",
		Help: "Diagnostic lines dropped because the console queue was full.",
	})
	Activity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "activity",
		Help: "Current state of the activity indicator (1 = on).",
	})
	ExchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_duration_seconds",
		Help:    "Wall time of completed exchanges, settle delay excluded.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
	}, []string{"role"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusSend      = "bus_send"
	ErrBusReceive   = "bus_receive"
	ErrVerify       = "verify"
	ErrSerialRead   = "serial_read"
	ErrSerialWrite  = "serial_write"
	ErrLinkOverflow = "link_overflow"
	ErrConsole      = "console_write"
	ErrLED          = "led_write"
)

// Exchange outcome labels.
const (
	OutcomeComplete = "complete"
	OutcomeFatal    = "fatal"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localComplete   uint64
	localFatal      uint64
	localSimResets  uint64
	localNackRetry  uint64
	localErrRetry   uint64
	localTxBytes    uint64
	localRxBytes    uint64
	localMalformed  uint64
	localDiagDrop   uint64
	localErrors     uint64
	localActivityOn uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Complete    uint64
	Fatal       uint64
	SimResets   uint64
	NackRetries uint64
	ErrRetries  uint64
	TxBytes     uint64
	RxBytes     uint64
	Malformed   uint64
	DiagDropped uint64
	Errors      uint64 // sum across error labels
	ActivityOn  bool
}

func Snap() Snapshot {
	return Snapshot{
		Complete:    atomic.LoadUint64(&localComplete),
		Fatal:       atomic.LoadUint64(&localFatal),
		SimResets:   atomic.LoadUint64(&localSimResets),
		NackRetries: atomic.LoadUint64(&localNackRetry),
		ErrRetries:  atomic.LoadUint64(&localErrRetry),
		TxBytes:     atomic.LoadUint64(&localTxBytes),
		RxBytes:     atomic.LoadUint64(&localRxBytes),
		Malformed:   atomic.LoadUint64(&localMalformed),
		DiagDropped: atomic.LoadUint64(&localDiagDrop),
		Errors:      atomic.LoadUint64(&localErrors),
		ActivityOn:  atomic.LoadUint64(&localActivityOn) == 1,
	}
}

// IncComplete records a completed exchange for role and its duration.
func IncComplete(role string, d time.Duration) {
	Exchanges.WithLabelValues(role, OutcomeComplete).Inc()
	ExchangeDuration.WithLabelValues(role).Observe(d.Seconds())
	atomic.AddUint64(&localComplete, 1)
}

// IncFatal records an exchange that ended in the fatal handler.
func IncFatal(role string) {
	Exchanges.WithLabelValues(role, OutcomeFatal).Inc()
	FatalResets.Inc()
	atomic.AddUint64(&localFatal, 1)
}

// IncSimPeerReset records a restart of the simulated peer. The peer runs in
// this process, so it is kept apart from fatal_total.
func IncSimPeerReset() {
	SimPeerResets.Inc()
	atomic.AddUint64(&localSimResets, 1)
}

// IncSendRetry counts a repeated send; nack distinguishes the expected
// not-yet-listening case from other transport errors.
func IncSendRetry(reason string, nack bool) {
	SendRetries.WithLabelValues(reason).Inc()
	if nack {
		atomic.AddUint64(&localNackRetry, 1)
		return
	}
	atomic.AddUint64(&localErrRetry, 1)
}

func AddTxBytes(n int) {
	BusTxBytes.Add(float64(n))
	atomic.AddUint64(&localTxBytes, uint64(n))
}

func AddRxBytes(n int) {
	BusRxBytes.Add(float64(n))
	atomic.AddUint64(&localRxBytes, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncDiagDropped() {
	DiagDropped.Inc()
	atomic.AddUint64(&localDiagDrop, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetActivity mirrors the activity indicator.
func SetActivity(on bool) {
	var v uint64
	if on {
		v = 1
	}
	Activity.Set(float64(v))
	atomic.StoreUint64(&localActivityOn, v)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrBusSend, ErrBusReceive, ErrVerify,
		ErrSerialRead, ErrSerialWrite, ErrLinkOverflow, ErrConsole, ErrLED,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
