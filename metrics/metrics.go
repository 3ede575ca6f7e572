// Package metrics holds the Prometheus collectors of the credential components
// and the HTTP server that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "micred"

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheStale  = "stale"
	CacheBypass = "bypass"
)

var (
	KeyProvisioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_provisioned_total",
		Help:      "Signing keys provisioned by the key provider chain, by protection kind.",
	}, []string{"kind"})

	CredentialCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_cache_lookups_total",
		Help:      "Credential cache lookups, by result.",
	}, []string{"result"})

	CredentialFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_fetch_total",
		Help:      "Credential requests sent to the identity endpoint, by outcome.",
	}, []string{"outcome"})

	EmulatorCredentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emulator_credentials_issued_total",
		Help:      "Credentials issued by the identity endpoint emulator.",
	})

	// Registry holds every collector of this package.
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		KeyProvisioned,
		CredentialCacheLookups,
		CredentialFetches,
		EmulatorCredentialsIssued,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for addr. It does not start listening.
func New(addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, errors.New("metrics server requires a listen address")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the /metrics handler.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
