package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted metric names become underscored; counters gain a _total suffix.
type PrometheusFactory struct {
	registerer  prometheus.Registerer
	constLabels prometheus.Labels

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// NewPrometheusFactory creates a factory. A nil registerer uses
// prometheus.DefaultRegisterer.
func NewPrometheusFactory(registerer prometheus.Registerer, constLabels prometheus.Labels) *PrometheusFactory {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		registerer:  registerer,
		constLabels: constLabels,
		counters:    make(map[string]prometheus.Counter),
		histograms:  make(map[string]prometheus.Histogram),
	}
}

// Counter implements MetricFactory. Asking twice for a name returns the
// same counter.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        metricName(name) + "_total",
		Help:        "Ledger event count for " + name + ".",
		ConstLabels: f.constLabels,
	})
	f.counters[name] = register(f.registerer, c)
	return f.counters[name]
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        metricName(name),
		Help:        "Ledger distribution for " + name + ".",
		Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		ConstLabels: f.constLabels,
	})
	f.histograms[name] = register(f.registerer, h)
	return f.histograms[name]
}

// register adopts an already registered collector so two factories on one
// registry share metrics instead of panicking.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
