package obs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Клиентские метрики вызовов API
var (
	apiInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_api_in_flight_requests",
		Help: "In-flight API requests issued by the console.",
	})

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_api_requests_total",
			Help: "Total number of API requests by outcome.",
		},
		[]string{"method", "path", "outcome"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_api_request_duration_seconds",
			Help:    "API round trip latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "outcome"},
	)

	initOnce sync.Once
)

// Init регистрирует метрики в default-регистре (однократно).
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(apiInFlight, apiRequestsTotal, apiRequestDuration)
	})
}

// WriteText writes every family gathered from g in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextFile dumps the default registry to path for a textfile collector.
// The file is replaced atomically.
func WriteTextFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WriteText(tmp, prometheus.DefaultGatherer); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Begin marks one request as in flight and returns the function that records its result.
func Begin(method, path string) func(outcome string) {
	canonical := CanonicalPath(path)
	apiInFlight.Inc()
	start := time.Now()
	return func(outcome string) {
		apiInFlight.Dec()
		apiRequestDuration.WithLabelValues(method, canonical, outcome).Observe(time.Since(start).Seconds())
		apiRequestsTotal.WithLabelValues(method, canonical, outcome).Inc()
	}
}

// CanonicalPath strips the query string and replaces numeric or opaque id segments with ":id"
// so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isIDSegment(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func isIDSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
