package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/listingproof/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, nil, 100, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{
		Name:   MetricCaptureDurationMs,
		Value:  4200,
		Unit:   "milliseconds",
		Labels: map[string]string{"outcome": "complete", "location": "Portland"},
	})
	mm.Record(&Metric{Name: MetricAuthorityFailures, Value: 2, Unit: "count"})
	mm.Flush()

	ctx := context.Background()
	got, err := mm.Query(ctx, MetricCaptureDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("count: got %d", len(got))
	}
	if got[0].Value != 4200 {
		t.Fatalf("value: got %f", got[0].Value)
	}
	if got[0].Labels["location"] != "Portland" {
		t.Fatalf("labels: got %v", got[0].Labels)
	}

	all, err := mm.Query(ctx, "", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	// WHAT: filling the buffer writes it without waiting for the ticker.
	// WHY: a burst of captures must not grow the buffer unbounded.
	db := setupObsDB(t)
	mm := NewMetricsManager(db, nil, 2, time.Hour)
	defer mm.Close()

	for i := 0; i < 2; i++ {
		mm.Record(&Metric{Name: "m", Value: float64(i), Unit: "x"})
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows after full buffer: got %d, want 2", n)
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, nil, 100, time.Hour)
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Flush()

	start := now.Add(-time.Hour)
	got, err := mm.Query(context.Background(), "m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("time-filtered: got %d", len(got))
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, nil, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: "old_metric", Timestamp: now.Add(-40 * 24 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "new_metric", Timestamp: now, Value: 2, Unit: "x"})
	mm.Close() // flushes

	n, err := mm.Cleanup(context.Background(), now, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed: got %d, want 1", n)
	}
	if n, _ := mm.Cleanup(context.Background(), now, 0); n != 0 {
		t.Fatalf("zero retention removed %d", n)
	}
}
