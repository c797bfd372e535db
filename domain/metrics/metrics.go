package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Murilovisque/logs/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "knockgate"

// Knock results.
const (
	KnockAccepted  = "accepted"
	KnockRejected  = "rejected"
	KnockCompleted = "completed"
	KnockIgnored   = "ignored"
)

// Grant and revocation outcomes.
const (
	GrantGranted  = "granted"
	GrantDenied   = "denied"
	RevokeRevoked = "revoked"
	RevokeFailed  = "failed"
)

const shutdownDeadline = 5 * time.Second

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	registry       *prometheus.Registry
	knocks         *prometheus.CounterVec
	grants         *prometheus.CounterVec
	revocations    *prometheus.CounterVec
	trackedClients prometheus.Gauge
	server         *http.Server
	logger         logs.Logger
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		knocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knocks_total",
			Help:      "Knocks observed, by result.",
		}, []string{"result"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Completed sequences, by firewall outcome.",
		}, []string{"outcome"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Scheduled revocations, by firewall outcome.",
		}, []string{"outcome"}),
		trackedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_clients",
			Help:      "Source IPs currently held by the sequence tracker.",
		}),
		logger: logs.NewChildLogger(logs.FixedFieldValue("component", "metrics")),
	}
	m.registry.MustRegister(
		m.knocks,
		m.grants,
		m.revocations,
		m.trackedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Knock(result string) {
	m.knocks.WithLabelValues(result).Inc()
}

func (m *Metrics) Grant(outcome string) {
	m.grants.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Revocation(outcome string) {
	m.revocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TrackedClients(n int) {
	m.trackedClients.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on address until StopAndWait is called.
func (m *Metrics) Serve(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("metrics listen on '%s' failed. Error: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		m.logger.Infof("metrics served on %s", ln.Addr())
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("metrics server stopped. Error: %s", err)
		}
	}()
	return nil
}

func (m *Metrics) StopAndWait() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	return m.server.Shutdown(ctx)
}
