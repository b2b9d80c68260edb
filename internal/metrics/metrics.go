// Package metrics exposes prometheus collectors for the gateway and broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the process registers. A nil *Set is valid
// and turns all recording into no-ops, so tests can pass nil freely.
type Set struct {
	registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	FramesRouted      *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	PermissionDenials prometheus.Counter
	BytesTransferred  *prometheus.CounterVec
	Registrations     *prometheus.CounterVec
}

// New creates a Set with its own registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotgate_connections_active",
			Help: "Live client connections per gateway role.",
		}, []string{"role"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotgate_connections_total",
			Help: "Accepted client connections per gateway role.",
		}, []string{"role"}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotgate_frames_routed_total",
			Help: "Frames routed by the broker, per frame type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotgate_frames_dropped_total",
			Help: "Frames dropped before delivery, per reason.",
		}, []string{"reason"}),
		PermissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotgate_permission_denials_total",
			Help: "Sends refused by the permission check.",
		}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotgate_bytes_total",
			Help: "Bytes moved on gateway connections, per role and direction.",
		}, []string{"role", "direction"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotgate_registrations_total",
			Help: "Access-info registrations served, per role and outcome.",
		}, []string{"role", "outcome"}),
	}
	s.registry.MustRegister(
		s.ConnectionsActive, s.ConnectionsTotal, s.FramesRouted, s.FramesDropped,
		s.PermissionDenials, s.BytesTransferred, s.Registrations,
	)
	return s
}

// Handler returns the /metrics HTTP handler for this set's registry.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ConnOpened records an accepted connection.
func (s *Set) ConnOpened(role string) {
	if s == nil {
		return
	}
	s.ConnectionsTotal.WithLabelValues(role).Inc()
	s.ConnectionsActive.WithLabelValues(role).Inc()
}

// ConnClosed records a torn-down connection.
func (s *Set) ConnClosed(role string) {
	if s == nil {
		return
	}
	s.ConnectionsActive.WithLabelValues(role).Dec()
}

// FrameRouted records one successfully routed frame.
func (s *Set) FrameRouted(frameType string) {
	if s == nil {
		return
	}
	s.FramesRouted.WithLabelValues(frameType).Inc()
}

// FrameDropped records a frame dropped for the given reason.
func (s *Set) FrameDropped(reason string) {
	if s == nil {
		return
	}
	s.FramesDropped.WithLabelValues(reason).Inc()
}

// PermissionDenied records a refused send.
func (s *Set) PermissionDenied() {
	if s == nil {
		return
	}
	s.PermissionDenials.Inc()
}

// AddBytes records transferred bytes.
func (s *Set) AddBytes(role, direction string, n int) {
	if s == nil {
		return
	}
	s.BytesTransferred.WithLabelValues(role, direction).Add(float64(n))
}

// Registration records an access-info request outcome.
func (s *Set) Registration(role, outcome string) {
	if s == nil {
		return
	}
	s.Registrations.WithLabelValues(role, outcome).Inc()
}
