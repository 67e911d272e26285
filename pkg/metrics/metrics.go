// Package metrics exposes the proxy's Prometheus collectors and the admin
// HTTP endpoint they're served from.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
)

// Collectors bundles every metric the proxy reports.
type Collectors struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheInserts       prometheus.Counter
	CacheStaleRemovals prometheus.Counter
	CacheTailEvictions prometheus.Counter
	CacheEntries       prometheus.GaugeFunc

	ActiveClients prometheus.Gauge
	ActiveOrigins prometheus.Gauge
	ActiveTunnels prometheus.Gauge

	BytesRelayed prometheus.Counter

	registry *prometheus.Registry
}

// New registers every collector against a fresh registry, wiring
// CacheEntries to sample c.Len() on scrape.
func New(c *cache.Cache) *Collectors {
	reg := prometheus.NewRegistry()

	m := &Collectors{
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_cache_hits_total",
			Help: "Cache lookups that returned a fresh entry.",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_cache_misses_total",
			Help: "Cache lookups that found no fresh entry.",
		}),
		CacheInserts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_cache_inserts_total",
			Help: "New cache entries created.",
		}),
		CacheStaleRemovals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_cache_stale_removals_total",
			Help: "Entries removed for being past their max-age.",
		}),
		CacheTailEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_cache_tail_evictions_total",
			Help: "Entries evicted under capacity pressure with no stale candidates.",
		}),
		CacheEntries: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "httpproxy_cache_entries",
			Help: "Current number of cached responses.",
		}, func() float64 { return float64(c.Len()) }),
		ActiveClients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "httpproxy_active_clients",
			Help: "Currently connected client sockets.",
		}),
		ActiveOrigins: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "httpproxy_active_origins",
			Help: "Currently open origin sockets.",
		}),
		ActiveTunnels: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "httpproxy_active_tunnels",
			Help: "Currently open CONNECT tunnels.",
		}),
		BytesRelayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "httpproxy_bytes_relayed_total",
			Help: "Bytes relayed through opaque tunnels plus request bytes forwarded to origins.",
		}),
		registry: reg,
	}

	return m
}

// Sample copies the cache's cumulative counters onto the Prometheus
// collectors. The cache itself doesn't reset these between scrapes, so
// Sample only moves the delta since last call.
func (m *Collectors) Sample(prev, cur cache.Stats) cache.Stats {
	m.CacheHits.Add(float64(cur.Hits - prev.Hits))
	m.CacheMisses.Add(float64(cur.Misses - prev.Misses))
	m.CacheInserts.Add(float64(cur.Inserts - prev.Inserts))
	m.CacheStaleRemovals.Add(float64(cur.StaleRemovals - prev.StaleRemovals))
	m.CacheTailEvictions.Add(float64(cur.TailEvictions - prev.TailEvictions))
	return cur
}

// Server serves the admin endpoint exposing these collectors.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) the metrics HTTP server on addr.
func NewServer(addr string, m *Collectors) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks serving the admin endpoint until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the admin endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
