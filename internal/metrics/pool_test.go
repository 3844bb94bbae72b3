package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	registerPoolStats(reg, func() PoolStats {
		return PoolStats{
			Acquired:    2,
			Idle:        1,
			Total:       3,
			Max:         4,
			Acquires:    10,
			Waited:      3,
			Canceled:    1,
			AcquireWait: 1500 * time.Millisecond,
		}
	})

	expected := `
# HELP signcast_db_pool_acquire_wait_seconds_total Total time spent acquiring database connections.
# TYPE signcast_db_pool_acquire_wait_seconds_total counter
signcast_db_pool_acquire_wait_seconds_total 1.5
# HELP signcast_db_pool_acquires_total Database connections acquired, by outcome.
# TYPE signcast_db_pool_acquires_total counter
signcast_db_pool_acquires_total{outcome="canceled"} 1
signcast_db_pool_acquires_total{outcome="immediate"} 7
signcast_db_pool_acquires_total{outcome="waited"} 3
# HELP signcast_db_pool_connections Database pool connections by state; max is the configured ceiling.
# TYPE signcast_db_pool_connections gauge
signcast_db_pool_connections{state="acquired"} 2
signcast_db_pool_connections{state="idle"} 1
signcast_db_pool_connections{state="max"} 4
signcast_db_pool_connections{state="total"} 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestRegisterPoolMetricsLazyPool(t *testing.T) {
	// pgxpool connects lazily, so an unreachable DSN still yields a pool.
	pool, err := pgxpool.New(context.Background(), "postgres://signcast@127.0.0.1:1/signcast")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	for name, want := range map[string]int{
		"signcast_db_pool_connections":   4,
		"signcast_db_pool_acquires_total": 3,
	} {
		got, err := testutil.GatherAndCount(reg, name)
		if err != nil {
			t.Fatalf("GatherAndCount(%s) error = %v", name, err)
		}
		if got != want {
			t.Fatalf("%s series = %d, want %d", name, got, want)
		}
	}
}
