// Package metrics provides Prometheus instrumentation for consumption polling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watermeter"

// Probe results
const (
	ProbeFound  = "found"
	ProbeAbsent = "absent"
	ProbeError  = "error"
)

// Refresh outcomes
const (
	RefreshPublished    = "published"
	RefreshNoData       = "no_data"
	RefreshUnauthorized = "unauthorized"
	RefreshFailed       = "failed"
	RefreshSkipped      = "skipped"
)

// Metrics holds all Prometheus metrics for the poller.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProbesTotal          *prometheus.CounterVec
	RefreshTotal         *prometheus.CounterVec
	AuthenticationsTotal *prometheus.CounterVec
	LastReadingValue     *prometheus.GaugeVec
	DeviceAvailable      *prometheus.GaugeVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ProbesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Consumption requests made while searching for the latest reading",
			},
			[]string{"result"}, // result=found/absent/error
		),
		RefreshTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_total",
				Help:      "Refresh cycles by outcome",
			},
			[]string{"outcome"},
		),
		AuthenticationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authentications_total",
				Help:      "Authentication attempts against the provider",
			},
			[]string{"result"}, // result=ok/failed
		),
		LastReadingValue: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_reading_value",
				Help:      "Last published consumption value in cubic meters",
			},
			[]string{"device"},
		),
		DeviceAvailable: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_available",
				Help:      "1 when the device is available, 0 otherwise",
			},
			[]string{"device"},
		),
	}
}

// Handler returns the /metrics handler for the given gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Probe(result string) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Authentication(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.AuthenticationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Reading(device string, value float64) {
	if m == nil {
		return
	}
	m.LastReadingValue.WithLabelValues(device).Set(value)
}

func (m *Metrics) Availability(device string, available bool) {
	if m == nil {
		return
	}
	v := 0.0
	if available {
		v = 1
	}
	m.DeviceAvailable.WithLabelValues(device).Set(v)
}

// Forget drops the per-device series of a removed device
func (m *Metrics) Forget(device string) {
	if m == nil {
		return
	}
	m.LastReadingValue.DeleteLabelValues(device)
	m.DeviceAvailable.DeleteLabelValues(device)
}
