// Package prometheus turns the engine's presence/data events into Prometheus counters and
// a gauge. It is a concrete EventSink implementation living outside the core engine
// (github.com/corewind/ftpserver never imports prometheus/client_golang itself), so plugging
// it in is opt-in and the Non-goal on defining the exposition wire format still holds: this
// package only registers metrics against a prometheus.Registerer, it never serves them.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	ftpserver "github.com/corewind/ftpserver"
)

const metricsNamespace = "ftpserver"

// Sink is an ftpserver.EventSink that records session and transfer activity as Prometheus
// metrics. Construct with NewSink and register it in Settings.EventSink.
type Sink struct {
	sessionsStarted prometheus.Counter
	sessionsAuthed  prometheus.Counter
	sessionsEnded   prometheus.Counter
	sessionsActive  prometheus.Gauge

	transfersStarted   *prometheus.CounterVec
	transfersCompleted *prometheus.CounterVec
	transfersFailed    *prometheus.CounterVec
	bytesTransferred   *prometheus.CounterVec
}

// NewSink builds a Sink and registers its metrics with reg. Passing prometheus.DefaultRegisterer
// registers against the global registry, matching the common embedder pattern.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Total number of control connections accepted.",
		}),
		sessionsAuthed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_authenticated_total",
			Help:      "Total number of sessions that completed authentication.",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions that terminated, for any reason.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of control connections currently open.",
		}),
		transfersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_started_total",
			Help:      "Total number of data-channel transfers started, by direction.",
		}, []string{"direction"}),
		transfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_completed_total",
			Help:      "Total number of data-channel transfers that completed successfully, by direction.",
		}, []string{"direction"}),
		transfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_failed_total",
			Help:      "Total number of data-channel transfers that ended in error, by direction.",
		}, []string{"direction"}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_transferred_total",
			Help:      "Total bytes moved over data channels, by direction.",
		}, []string{"direction"}),
	}

	collectors := []prometheus.Collector{
		s.sessionsStarted, s.sessionsAuthed, s.sessionsEnded, s.sessionsActive,
		s.transfersStarted, s.transfersCompleted, s.transfersFailed, s.bytesTransferred,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// HandlePresence implements ftpserver.EventSink.
func (s *Sink) HandlePresence(evt ftpserver.PresenceEvent) {
	switch evt.Kind {
	case ftpserver.PresenceSessionStarted:
		s.sessionsStarted.Inc()
		s.sessionsActive.Inc()
	case ftpserver.PresenceAuthenticated:
		s.sessionsAuthed.Inc()
	case ftpserver.PresenceSessionEnded:
		s.sessionsEnded.Inc()
		s.sessionsActive.Dec()
	}
}

// HandleData implements ftpserver.EventSink.
func (s *Sink) HandleData(evt ftpserver.DataEvent) {
	direction := "download"
	if evt.Direction == ftpserver.DirectionUpload {
		direction = "upload"
	}

	switch evt.Kind {
	case ftpserver.DataTransferStarted:
		s.transfersStarted.WithLabelValues(direction).Inc()
	case ftpserver.DataTransferCompleted:
		if evt.Err != nil {
			s.transfersFailed.WithLabelValues(direction).Inc()
		} else {
			s.transfersCompleted.WithLabelValues(direction).Inc()
		}
	case ftpserver.DataBytesTransferred:
		if evt.BytesTransferred > 0 {
			s.bytesTransferred.WithLabelValues(direction).Add(float64(evt.BytesTransferred))
		}
	}
}
