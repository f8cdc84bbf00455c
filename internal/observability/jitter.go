package observability

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultJitterWindow is the number of recent activations kept for jitter
// statistics.
const DefaultJitterWindow = 1024

// JitterSummary describes the spread of recent slot activation lateness.
type JitterSummary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	P99    time.Duration
	Max    time.Duration
}

// JitterTracker keeps a bounded window of slot activation lateness samples.
// It is safe for concurrent use.
type JitterTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewJitterTracker returns a tracker holding the last window samples.
func NewJitterTracker(window int) *JitterTracker {
	if window <= 0 {
		window = DefaultJitterWindow
	}
	return &JitterTracker{samples: make([]float64, window)}
}

// Add records one lateness sample.
func (j *JitterTracker) Add(d time.Duration) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.samples[j.next] = d.Seconds()
	j.next++
	if j.next == len(j.samples) {
		j.next = 0
		j.full = true
	}
	j.mu.Unlock()
}

// Summary computes statistics over the current window.
func (j *JitterTracker) Summary() JitterSummary {
	if j == nil {
		return JitterSummary{}
	}
	j.mu.Lock()
	n := j.next
	if j.full {
		n = len(j.samples)
	}
	x := slices.Clone(j.samples[:n])
	j.mu.Unlock()

	if n == 0 {
		return JitterSummary{}
	}
	slices.Sort(x)
	mean, std := stat.MeanStdDev(x, nil)
	if n < 2 {
		std = 0
	}
	return JitterSummary{
		Count:  n,
		Mean:   seconds(mean),
		StdDev: seconds(std),
		P99:    seconds(stat.Quantile(0.99, stat.Empirical, x, nil)),
		Max:    seconds(floats.Max(x)),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var (
	jitterMeanDesc = prometheus.NewDesc("tdma_slot_lateness_mean_seconds",
		"Mean slot activation lateness over the recent window.", nil, nil)
	jitterStdDevDesc = prometheus.NewDesc("tdma_slot_lateness_stddev_seconds",
		"Standard deviation of slot activation lateness over the recent window.", nil, nil)
	jitterP99Desc = prometheus.NewDesc("tdma_slot_lateness_p99_seconds",
		"99th percentile slot activation lateness over the recent window.", nil, nil)
)

// jitterCollector exports a tracker's summary at scrape time.
type jitterCollector struct {
	tracker *JitterTracker
}

func newJitterCollector(t *JitterTracker) *jitterCollector {
	return &jitterCollector{tracker: t}
}

func (c *jitterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jitterMeanDesc
	ch <- jitterStdDevDesc
	ch <- jitterP99Desc
}

func (c *jitterCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.tracker.Summary()
	ch <- prometheus.MustNewConstMetric(jitterMeanDesc, prometheus.GaugeValue, s.Mean.Seconds())
	ch <- prometheus.MustNewConstMetric(jitterStdDevDesc, prometheus.GaugeValue, s.StdDev.Seconds())
	ch <- prometheus.MustNewConstMetric(jitterP99Desc, prometheus.GaugeValue, s.P99.Seconds())
}
