package metricstore

import (
	"context"
	"testing"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/atriumbms/atrium/internal/influxtest"
)

func newTestStore(t *testing.T) (*Store, *influxtest.Server) {
	t.Helper()

	srv, cleanup, err := influxtest.StartTestServer()
	if err != nil {
		t.Fatalf("StartTestServer() error = %v", err)
	}
	t.Cleanup(cleanup)

	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:    srv.URL(),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}

	store := NewWithClient(c, "atrium_test")
	t.Cleanup(func() { store.Close() })
	return store, srv
}

func metricTags(equipmentID, locationID string) map[string]string {
	return map[string]string{
		"equipmentId":    equipmentID,
		"locationId":     locationID,
		"equipment_type": "airHandler",
	}
}

func TestReadLatestMetricsMergesNewestFirst(t *testing.T) {
	store, srv := newTestStore(t)
	now := time.Now()

	// Older sample carries roomTemp; newer one carries a fresher
	// supplyTemp but no roomTemp. The merge takes the newest value per
	// field and fills gaps from older rows.
	srv.Seed(MeasurementMetrics, metricTags("ahu-1", "bldg-a"), map[string]interface{}{
		"supplyTemp": 50.0,
		"roomTemp":   70.2,
	}, now.Add(-5*time.Minute))
	srv.Seed(MeasurementMetrics, metricTags("ahu-1", "bldg-a"), map[string]interface{}{
		"supplyTemp": 55.5,
		"fanEnabled": 1.0,
	}, now.Add(-1*time.Minute))

	metrics, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", 15*time.Minute)
	if err != nil {
		t.Fatalf("ReadLatestMetrics() error = %v", err)
	}

	if got := metrics.Number("supplyTemp", -1); got != 55.5 {
		t.Errorf("supplyTemp = %v, want 55.5", got)
	}
	if got := metrics.Number("roomTemp", -1); got != 70.2 {
		t.Errorf("roomTemp = %v, want 70.2", got)
	}
	if !metrics.Flag("fanEnabled", false) {
		t.Errorf("fanEnabled = false, want true")
	}
	for _, slot := range []string{"equipmentId", "locationId", "equipment_type", "time"} {
		if metrics.Has(slot) {
			t.Errorf("metrics contains system slot %q", slot)
		}
	}
}

func TestReadLatestMetricsScopedToEquipment(t *testing.T) {
	store, srv := newTestStore(t)
	now := time.Now()

	srv.Seed(MeasurementMetrics, metricTags("ahu-1", "bldg-a"), map[string]interface{}{
		"supplyTemp": 52.0,
	}, now.Add(-time.Minute))
	srv.Seed(MeasurementMetrics, metricTags("ahu-2", "bldg-a"), map[string]interface{}{
		"supplyTemp": 99.0,
	}, now.Add(-30*time.Second))

	metrics, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", 15*time.Minute)
	if err != nil {
		t.Fatalf("ReadLatestMetrics() error = %v", err)
	}
	if got := metrics.Number("supplyTemp", -1); got != 52.0 {
		t.Errorf("supplyTemp = %v, want 52.0 (ahu-2 sample must not bleed in)", got)
	}
}

func TestReadLatestMetricsFallbacks(t *testing.T) {
	tests := []struct {
		name string
		seed func(srv *influxtest.Server)
	}{
		{
			name: "no samples at all",
			seed: func(srv *influxtest.Server) {},
		},
		{
			name: "only samples outside the window",
			seed: func(srv *influxtest.Server) {
				srv.Seed(MeasurementMetrics, metricTags("ahu-1", "bldg-a"), map[string]interface{}{
					"supplyTemp": 48.0,
				}, time.Now().Add(-2*time.Hour))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, srv := newTestStore(t)
			tt.seed(srv)

			metrics, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", 15*time.Minute)
			if err != nil {
				t.Fatalf("ReadLatestMetrics() error = %v", err)
			}

			want := map[string]float64{"outdoor": 50, "supply": 55, "room": 72, "return": 72}
			for field, value := range want {
				if got := metrics.Number(field, -1); got != value {
					t.Errorf("fallback %s = %v, want %v", field, got, value)
				}
			}
			if len(metrics) != len(want) {
				t.Errorf("fallback has %d fields, want %d", len(metrics), len(want))
			}
		})
	}
}

func TestReadLatestMetricsTransientErrorSurfaces(t *testing.T) {
	store, srv := newTestStore(t)
	srv.FailNextQueries(1)

	if _, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", time.Minute); err == nil {
		t.Fatalf("ReadLatestMetrics() error = nil, want transient failure")
	}

	// The endpoint recovered, so the next read succeeds.
	srv.Seed(MeasurementMetrics, metricTags("ahu-1", "bldg-a"), map[string]interface{}{
		"supplyTemp": 53.0,
	}, time.Now())
	metrics, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", time.Minute)
	if err != nil {
		t.Fatalf("ReadLatestMetrics() after recovery error = %v", err)
	}
	if got := metrics.Number("supplyTemp", -1); got != 53.0 {
		t.Errorf("supplyTemp = %v, want 53.0", got)
	}
}

func TestReadLatestMetricsBreakerFallsBack(t *testing.T) {
	store, srv := newTestStore(t)
	srv.FailNextQueries(10)

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", time.Minute); err == nil {
			t.Fatalf("read %d: error = nil, want failure", i)
		}
	}

	metrics, err := store.ReadLatestMetrics(context.Background(), "ahu-1", "bldg-a", time.Minute)
	if err != nil {
		t.Fatalf("ReadLatestMetrics() with open breaker error = %v, want fallback", err)
	}
	if got := metrics.Number("supply", -1); got != 55 {
		t.Errorf("fallback supply = %v, want 55", got)
	}
}

func TestReadRecentUICommands(t *testing.T) {
	store, srv := newTestStore(t)
	now := time.Now()

	commandTags := func(source string) map[string]string {
		return map[string]string{
			"equipment_id": "ahu-1",
			"location_id":  "bldg-a",
			"command_type": "temperatureSetpoint",
			"source":       source,
		}
	}
	value := map[string]interface{}{"value": 72.0}

	srv.Seed(MeasurementCommands, commandTags("ui"), value, now.Add(-time.Minute))
	srv.Seed(MeasurementCommands, commandTags("ui"), value, now.Add(-2*time.Minute))
	srv.Seed(MeasurementCommands, commandTags("scheduler"), value, now.Add(-time.Minute))
	srv.Seed(MeasurementCommands, commandTags("ui"), value, now.Add(-time.Hour))

	count, err := store.ReadRecentUICommands(context.Background(), "ahu-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("ReadRecentUICommands() error = %v", err)
	}
	if count != 2 {
		t.Errorf("ReadRecentUICommands() = %d, want 2", count)
	}

	count, err = store.ReadRecentUICommands(context.Background(), "ahu-other", 5*time.Minute)
	if err != nil {
		t.Fatalf("ReadRecentUICommands() error = %v", err)
	}
	if count != 0 {
		t.Errorf("ReadRecentUICommands() for untouched equipment = %d, want 0", count)
	}
}
