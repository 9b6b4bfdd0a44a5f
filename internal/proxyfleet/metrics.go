package proxyfleet

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the C7 observability surface: one gauge tracking the latest
// probed tip per upstream, one counter tracking request outcomes.
type Metrics struct {
	nodeHeightGauge    *prometheus.GaugeVec
	proxyResultCounter *prometheus.CounterVec
}

// NewMetrics builds the two collectors under the given namespace (spec §6,
// Monitor.System).
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		nodeHeightGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_height_gauge",
			Help:      "Latest probed tip (block height / ledger index) per upstream",
		}, []string{"chain", "host"}),
		proxyResultCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_result_counter",
			Help:      "Completed proxy requests by chain, host, status code and method",
		}, []string{"chain", "host", "code", "method"}),
	}
}

// RegisterWith registers both collectors with reg, tolerating a collector
// that is already registered (the unify and per-chain apps share one
// registry built by the service factory).
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	var err error
	if m.nodeHeightGauge, err = registerGaugeVec(reg, m.nodeHeightGauge); err != nil {
		return err
	}
	if m.proxyResultCounter, err = registerCounterVec(reg, m.proxyResultCounter); err != nil {
		return err
	}
	return nil
}

// SetHeight publishes the latest probed tip for one upstream.
func (m *Metrics) SetHeight(chain, host string, tip uint64) {
	m.nodeHeightGauge.WithLabelValues(chain, host).Set(float64(tip))
}

// IncResult records one completed request. code is 0 for a selector failure
// that never reached an upstream (spec §4.4, "errors set code = 0").
func (m *Metrics) IncResult(chain, host string, code int, method string) {
	m.proxyResultCounter.WithLabelValues(chain, host, strconv.Itoa(code), method).Inc()
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, fmt.Errorf("expected gauge vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("expected counter vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}
