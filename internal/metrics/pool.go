package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of the media cache and play log connection pool.
type PoolStats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32

	// Acquires counts every successful acquire; Waited those that found no
	// idle connection; Canceled those abandoned by their context.
	Acquires    int64
	Waited      int64
	Canceled    int64
	AcquireWait time.Duration
}

// RegisterPoolMetrics exports live pgxpool statistics, read on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	registerPoolStats(reg, func() PoolStats {
		stat := pool.Stat()
		return PoolStats{
			Acquired:    stat.AcquiredConns(),
			Idle:        stat.IdleConns(),
			Total:       stat.TotalConns(),
			Max:         stat.MaxConns(),
			Acquires:    stat.AcquireCount(),
			Waited:      stat.EmptyAcquireCount(),
			Canceled:    stat.CanceledAcquireCount(),
			AcquireWait: stat.AcquireDuration(),
		}
	})
}

func registerPoolStats(reg prometheus.Registerer, stats func() PoolStats) {
	reg.MustRegister(&poolCollector{
		stats: stats,
		connections: prometheus.NewDesc(
			"signcast_db_pool_connections",
			"Database pool connections by state; max is the configured ceiling.",
			[]string{"state"}, nil,
		),
		acquires: prometheus.NewDesc(
			"signcast_db_pool_acquires_total",
			"Database connections acquired, by outcome.",
			[]string{"outcome"}, nil,
		),
		acquireWait: prometheus.NewDesc(
			"signcast_db_pool_acquire_wait_seconds_total",
			"Total time spent acquiring database connections.",
			nil, nil,
		),
	})
}

type poolCollector struct {
	stats func() PoolStats

	connections *prometheus.Desc
	acquires    *prometheus.Desc
	acquireWait *prometheus.Desc
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.acquires
	ch <- c.acquireWait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	for state, n := range map[string]int32{
		"acquired": s.Acquired,
		"idle":     s.Idle,
		"total":    s.Total,
		"max":      s.Max,
	} {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(n), state)
	}

	// "immediate" and "waited" partition successful acquires.
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires-s.Waited), "immediate")
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Waited), "waited")
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Canceled), "canceled")
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
