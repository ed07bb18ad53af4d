// Package metrics exposes proxy occupancy as prometheus gauges/counters.
// Observe copies one occupancy snapshot into the gauges; cmd/proxy calls
// it once a second from its own sampling goroutine (sampleMetrics), not
// from the reactor goroutine. Registration and collection never touch
// the network; Handler serves the registry over HTTP.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubrid/shardproxy/internal/statsexport"
)

// Collector owns every gauge/counter the metrics listener serves.
type Collector struct {
	contextsInUse *prometheus.GaugeVec
	clientsInUse  *prometheus.GaugeVec
	stmtsInUse    *prometheus.GaugeVec
	casInTran     *prometheus.GaugeVec
	casTotal      *prometheus.GaugeVec
	waitQLen      *prometheus.GaugeVec

	ticks prometheus.Counter
}

// New registers every metric against reg. Passing a fresh
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps repeated test construction from panicking on duplicate
// registration.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		contextsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "contexts_in_use",
			Help: "Number of Context slots currently allocated.",
		}, nil),
		clientsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "clients_in_use",
			Help: "Number of ClientIO slots currently allocated.",
		}, nil),
		stmtsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "stmts_in_use",
			Help: "Number of cached prepared statements.",
		}, nil),
		casInTran: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "cas_in_tran",
			Help: "Number of CAS slots currently bound to a transaction, per shard.",
		}, []string{"shard"}),
		casTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "cas_total",
			Help: "Configured CAS slot count, per shard.",
		}, []string{"shard"}),
		waitQLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardproxy", Name: "wait_queue_length",
			Help: "Pending wait-queue entries, per shard.",
		}, []string{"shard"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardproxy", Name: "observations_total",
			Help: "Number of times Observe has been called.",
		}),
	}
	reg.MustRegister(c.contextsInUse, c.clientsInUse, c.stmtsInUse, c.casInTran, c.casTotal, c.waitQLen, c.ticks)
	return c
}

// Observe updates every gauge from a single snapshot (spec §3 occupancy
// fields) and increments the observations counter.
func (c *Collector) Observe(snap statsexport.GlobalSnapshot) {
	c.contextsInUse.WithLabelValues().Set(float64(snap.ContextsUsed))
	c.clientsInUse.WithLabelValues().Set(float64(snap.ClientsUsed))
	c.stmtsInUse.WithLabelValues().Set(float64(snap.StmtsUsed))
	for _, s := range snap.Shards {
		label := prometheus.Labels{"shard": shardLabel(s.ShardID)}
		c.casInTran.With(label).Set(float64(s.NumCasInTran))
		c.casTotal.With(label).Set(float64(s.CurNumCas))
		c.waitQLen.With(label).Set(float64(s.WaitQLen))
	}
	c.ticks.Inc()
}

func shardLabel(id int) string { return strconv.Itoa(id) }

// Handler returns the promhttp handler for reg; cmd/proxy mounts it at
// /metrics on its own metrics listener, separate from the admin API.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
