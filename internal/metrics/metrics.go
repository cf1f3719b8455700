package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lottery_engine"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "entries_total",
			Help:      "Total number of entry attempts by result.",
		},
		[]string{"result"},
	)

	ticketsSold = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "tickets_sold_total",
			Help:      "Total number of tickets issued.",
		},
	)

	currentRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "current_round",
			Help:      "Number of the round currently accepting entries or settling.",
		},
	)

	roundState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "state",
			Help:      "1 for the state the current round is in, 0 otherwise.",
		},
		[]string{"state"},
	)

	roundBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "balance",
			Help:      "Prize pool of the current round in base units (approximate).",
		},
	)

	upkeepChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upkeep",
			Name:      "checks_total",
			Help:      "Total number of upkeep checks by outcome.",
		},
		[]string{"ready"},
	)

	oracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Total number of randomness requests by result.",
		},
		[]string{"result"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "settlements_total",
			Help:      "Total number of settled rounds by outcome.",
		},
		[]string{"outcome"},
	)

	settlementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "fulfillment_latency_seconds",
			Help:      "Time between a randomness request and its fulfillment.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	rewards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "operations_total",
			Help:      "Total number of reward operations by kind and result.",
		},
		[]string{"kind", "result"},
	)

	keeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Total number of keeper ticks by outcome.",
		},
		[]string{"outcome"},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of keeper ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Total number of events that could not be published.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		entries,
		ticketsSold,
		currentRound,
		roundState,
		roundBalance,
		upkeepChecks,
		oracleRequests,
		settlements,
		settlementLatency,
		rewards,
		keeperRuns,
		keeperDuration,
		publishFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry records an entry attempt and, on success, the tickets issued.
func RecordEntry(tickets int, err error) {
	if err != nil {
		entries.WithLabelValues("rejected").Inc()
		return
	}
	entries.WithLabelValues("accepted").Inc()
	ticketsSold.Add(float64(tickets))
}

// SetRound publishes the current round header.
func SetRound(number uint64, state string, balance float64) {
	currentRound.Set(float64(number))
	roundBalance.Set(balance)
	for _, s := range []string{"open", "settling"} {
		v := 0.0
		if s == state {
			v = 1
		}
		roundState.WithLabelValues(s).Set(v)
	}
}

// RecordUpkeepCheck records the outcome of an upkeep check.
func RecordUpkeepCheck(ready bool) {
	upkeepChecks.WithLabelValues(strconv.FormatBool(ready)).Inc()
}

// RecordOracleRequest records a randomness request.
func RecordOracleRequest(err error) {
	oracleRequests.WithLabelValues(result(err)).Inc()
}

// RecordSettlement records a fulfilled round and its request latency.
func RecordSettlement(winner bool, latency time.Duration) {
	outcome := "rollover"
	if winner {
		outcome = "winner"
	}
	settlements.WithLabelValues(outcome).Inc()
	if latency > 0 {
		settlementLatency.Observe(latency.Seconds())
	}
}

// RecordReward records a reward operation. kind is reveal, claim or refund.
func RecordReward(kind string, err error) {
	rewards.WithLabelValues(kind, result(err)).Inc()
}

// RecordKeeperRun records one keeper tick.
func RecordKeeperRun(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	keeperRuns.WithLabelValues(outcome).Inc()
	keeperDuration.Observe(duration.Seconds())
}

// RecordPublishFailure counts an event that no sink accepted.
func RecordPublishFailure(eventType string) {
	publishFailures.WithLabelValues(eventType).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case parts[0] == "rounds" && len(parts) >= 2:
		if len(parts) == 2 {
			return "/rounds/:round"
		}
		return "/rounds/:round/" + parts[2]
	case parts[0] == "participants" && len(parts) >= 2:
		if len(parts) == 2 {
			return "/participants/:participant"
		}
		return "/participants/:participant/" + parts[2]
	}
	return "/" + parts[0]
}
