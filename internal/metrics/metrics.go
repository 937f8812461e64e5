// Package metrics exposes the daemon's Prometheus counters.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every counter on a private registry so several daemons (or
// tests) can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	Reconnects       prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	DecryptFailures  prometheus.Counter
	Reconciled       *prometheus.CounterVec
	ReadBatches      *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	CachePersistErrs prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "sealdm_transport_reconnects_total",
			Help: "Reconnect attempts scheduled after an unexpected socket close",
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sealdm_messages_sent_total",
			Help: "Outgoing messages by result",
		}, []string{"result"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sealdm_decrypt_failures_total",
			Help: "Messages that failed to decrypt",
		}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sealdm_echo_reconciled_total",
			Help: "Own echoes matched to a pending message, by rule",
		}, []string{"rule"}),
		ReadBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sealdm_read_batches_total",
			Help: "Read-receipt batches flushed, by result",
		}, []string{"result"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sealdm_rollbacks_total",
			Help: "Optimistic mutations rolled back, by operation",
		}, []string{"op"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sealdm_cache_lookups_total",
			Help: "Decryption cache lookups, by tier (memory, disk, miss)",
		}, []string{"tier"}),
		CachePersistErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "sealdm_cache_persist_errors_total",
			Help: "Decryption cache disk writes that failed",
		}),
	}
}

func (m *Metrics) CacheHit(tier string)       { m.CacheLookups.WithLabelValues(tier).Inc() }
func (m *Metrics) CacheMiss()                 { m.CacheLookups.WithLabelValues("miss").Inc() }
func (m *Metrics) CachePersistFailed()        { m.CachePersistErrs.Inc() }
func (m *Metrics) Reconnect()                 { m.Reconnects.Inc() }
func (m *Metrics) DecryptFailed()             { m.DecryptFailures.Inc() }
func (m *Metrics) EchoReconciled(rule string) { m.Reconciled.WithLabelValues(rule).Inc() }
func (m *Metrics) RolledBack(op string)       { m.Rollbacks.WithLabelValues(op).Inc() }

func (m *Metrics) MessageSent(ok bool) {
	m.MessagesSent.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ReadBatch(ok bool) {
	m.ReadBatches.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Server is the optional scrape endpoint.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and serves /metrics in the background.
func (m *Metrics) Listen(addr string, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
