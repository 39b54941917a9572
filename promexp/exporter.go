// Package promexp exposes sensor readings as Prometheus metrics.
package promexp

import (
	"math"
	"sync"

	"github.com/calmh/soilpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sensors"
	subsystem = "chirp"
)

type key struct {
	sensor  string
	channel chirp.Channel
}

// Exporter is a chirp.Publisher that keeps one gauge per sensor and
// channel. A channel that fails to read has its gauge removed until the
// next good reading, so a stale value is never scraped.
type Exporter struct {
	factory   promauto.Factory
	gauges    map[chirp.Channel]*prometheus.GaugeVec
	average   *prometheus.GaugeVec
	deviation *prometheus.GaugeVec
	errors    *prometheus.CounterVec

	size    int
	mut     sync.Mutex
	windows map[key]*window
}

// New registers the exporter's metrics with reg. The average and deviation
// metrics cover the last size readings of each channel.
func New(reg prometheus.Registerer, size int) *Exporter {
	f := promauto.With(reg)
	gauge := func(name string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
		}, []string{"sensor"})
	}

	return &Exporter{
		factory: f,
		gauges:  map[chirp.Channel]*prometheus.GaugeVec{
			chirp.Moisture:    gauge("moisture_percent"),
			chirp.Temperature: gauge("temperature_celsius"),
			chirp.Illuminance: gauge("illuminance_lux"),
			chirp.Version:     gauge("firmware_version"),
		},
		average: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reading_average",
			Help:      "Mean of the recent readings of a channel.",
		}, []string{"sensor", "channel"}),
		deviation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reading_deviation",
			Help:      "Spread between the largest and smallest recent reading of a channel.",
		}, []string{"sensor", "channel"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_errors_total",
		}, []string{"sensor", "channel"}),
		size:    size,
		windows: make(map[key]*window),
	}
}

func (e *Exporter) Publish(r chirp.Reading) {
	g, ok := e.gauges[r.Channel]
	if !ok {
		return
	}
	if !r.OK() {
		g.DeleteLabelValues(r.Sensor)
		e.errors.WithLabelValues(r.Sensor, r.Channel.String()).Inc()
		return
	}

	g.WithLabelValues(r.Sensor).Set(round(r.Value, 2))
	if r.Channel == chirp.Version {
		return
	}

	e.mut.Lock()
	k := key{r.Sensor, r.Channel}
	w, ok := e.windows[k]
	if !ok {
		w = newWindow(e.size)
		e.windows[k] = w
	}
	w.add(r.Value)
	avg, dev := w.mean(), w.deviation()
	e.mut.Unlock()

	e.average.WithLabelValues(r.Sensor, r.Channel.String()).Set(round(avg, 2))
	e.deviation.WithLabelValues(r.Sensor, r.Channel.String()).Set(round(dev, 2))
}

// Health is the state of a sensor's poller, as exported by Watch.
type Health interface {
	Failures() int64
	SetupFailed() bool
}

// Watch exports the number of consecutive failed cycles of a sensor and
// whether its setup failed, as reported by h at scrape time.
func (e *Exporter) Watch(sensor string, h Health) {
	e.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "failed_cycles",
		Help:        "Consecutive measurement cycles in which no channel could be read.",
		ConstLabels: prometheus.Labels{"sensor": sensor},
	}, func() float64 {
		return float64(h.Failures())
	})
	e.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "setup_failed",
		Help:        "1 while the sensor could not be set up and is not polled.",
		ConstLabels: prometheus.Labels{"sensor": sensor},
	}, func() float64 {
		if h.SetupFailed() {
			return 1
		}
		return 0
	})
}

func round(x float64, prec int) float64 {
	pow := math.Pow10(prec)
	return math.Round(x*pow) / pow
}
