// Package prometheus provides an implementation of metrics for the build server using Prometheus as a backend
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/metrics"
)

var log = logging.MustGetLogger("prometheus")

const namespace = "lbs"

// Register registers this implementation as the active one, using the given registry.
// If registry is nil the default Prometheus registry is used.
func Register(version string, registry *prometheus.Registry) {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if registry != nil {
		registerer = registry
	}
	metrics.SetImplementation(&prom{
		registerer: prometheus.WrapRegistererWith(prometheus.Labels{
			"version": version,
		}, registerer),
	})
}

// Handler returns an http.Handler serving the metrics in the given registry, or the default one if it is nil.
func Handler(registry *prometheus.Registry) http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// prom is the concrete implementation of metrics using Prometheus
type prom struct {
	registerer prometheus.Registerer
}

// RegisterCounter registers a new counter with Prometheus
func (p *prom) RegisterCounter(counter *metrics.Counter) metrics.Incrementer {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: counter.Subsystem,
		Name:      counter.Name,
		Help:      counter.Help,
	})
	p.registerer.MustRegister(c)
	log.Debug("Registered counter %s_%s", counter.Subsystem, counter.Name)
	return c
}

// RegisterHistogram registers a new histogram with Prometheus
func (p *prom) RegisterHistogram(hist *metrics.Histogram) metrics.Observer {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: hist.Subsystem,
		Name:      hist.Name,
		Help:      hist.Help,
		Buckets:   hist.Buckets,
	})
	p.registerer.MustRegister(h)
	log.Debug("Registered histogram %s_%s", hist.Subsystem, hist.Name)
	return h
}

// RegisterGauge registers a new gauge with Prometheus
func (p *prom) RegisterGauge(gauge *metrics.Gauge) metrics.Setter {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: gauge.Subsystem,
		Name:      gauge.Name,
		Help:      gauge.Help,
	})
	p.registerer.MustRegister(g)
	log.Debug("Registered gauge %s_%s", gauge.Subsystem, gauge.Name)
	return g
}
