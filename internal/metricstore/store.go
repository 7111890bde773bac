// Package metricstore is the gateway to the time-series store. It reads
// recent sensor samples for the gate and workers and writes control
// commands back so field controllers pick them up.
package metricstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/sony/gobreaker"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/scalar"
)

const (
	// MeasurementMetrics holds raw sensor samples from field controllers.
	MeasurementMetrics = "metrics"
	// MeasurementCommands is the auditable control command log.
	MeasurementCommands = "ControlCommands"
	// MeasurementLocations is the current-state table field controllers
	// read back.
	MeasurementLocations = "Locations"
)

// Tag slots are never surfaced as metric fields.
var systemSlots = map[string]struct{}{
	"equipmentId":    {},
	"locationId":     {},
	"time":           {},
	"equipment_type": {},
	"system":         {},
	"zone":           {},
}

var (
	ErrNotConnected = errors.New("metric store not connected")
	ErrQueryFailed  = errors.New("metric store query failed")
)

// Store talks to an InfluxDB 1.x endpoint over its HTTP API.
// Reads degrade through a circuit breaker: after more than two
// consecutive failures the breaker opens and callers receive the
// conservative fallback map instead of errors.
type Store struct {
	client   client.Client
	database string
	breaker  *gobreaker.CircuitBreaker
}

// New creates a Store for the configured endpoint.
func New(cfg *config.Config) (*Store, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:    cfg.InfluxURL,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("metricstore: %w", err)
	}
	return NewWithClient(c, cfg.InfluxDatabase), nil
}

// NewWithClient creates a Store around an existing client. Tests use this
// with a client pointed at an in-process mock endpoint.
func NewWithClient(c client.Client, database string) *Store {
	return &Store{
		client:   c,
		database: database,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "metric-reads",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 2
			},
			Timeout: 30 * time.Second,
		}),
	}
}

// Close releases the underlying HTTP client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// FallbackMetrics returns the conservative metric map used when no samples
// exist or reads are persistently failing, so control algorithms degrade
// rather than fail.
func FallbackMetrics() scalar.Map {
	return scalar.Map{
		"outdoor": scalar.Num(50),
		"supply":  scalar.Num(55),
		"room":    scalar.Num(72),
		"return":  scalar.Num(72),
	}
}

// ReadLatestMetrics returns the most recent sample per field for one
// equipment, merged across the window. Tag slots are excluded. An empty
// result or an open breaker yields the fallback map with no error; a
// single transient failure surfaces as an error for the job retry budget.
func (s *Store) ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error) {
	if window <= 0 {
		window = config.DefaultMetricWindow
	}

	cmd := fmt.Sprintf(
		`SELECT * FROM %q WHERE "equipmentId" = '%s' AND "locationId" = '%s' AND time > now() - %ds ORDER BY time DESC LIMIT 60`,
		MeasurementMetrics, escapeString(equipmentID), escapeString(locationID), int(window.Seconds()),
	)

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.query(ctx, cmd)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return FallbackMetrics(), nil
		}
		return nil, err
	}

	rows := res.([]client.Result)
	merged := mergeLatest(rows)
	if len(merged) == 0 {
		return FallbackMetrics(), nil
	}
	return merged, nil
}

// ReadRecentUICommands counts operator-sourced command rows for one
// equipment inside the window. The gate uses the count as a boolean
// "operator touched this recently" signal.
func (s *Store) ReadRecentUICommands(ctx context.Context, equipmentID string, window time.Duration) (int, error) {
	if window <= 0 {
		window = config.DefaultUICommandWindow
	}

	cmd := fmt.Sprintf(
		`SELECT COUNT("value") FROM %q WHERE "equipment_id" = '%s' AND "source" = 'ui' AND time > now() - %ds`,
		MeasurementCommands, escapeString(equipmentID), int(window.Seconds()),
	)

	rows, err := s.query(ctx, cmd)
	if err != nil {
		return 0, err
	}

	for _, result := range rows {
		for _, series := range result.Series {
			for _, values := range series.Values {
				// Column 0 is time, column 1 the count.
				if len(values) < 2 || values[1] == nil {
					continue
				}
				return int(scalar.ParseSafeNumber(values[1], 0)), nil
			}
		}
	}
	return 0, nil
}

func (s *Store) query(ctx context.Context, cmd string) ([]client.Result, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := client.NewQuery(cmd, s.database, "ns")
	resp, err := s.client.Query(q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if resp.Error() != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, resp.Error())
	}
	return resp.Results, nil
}

// mergeLatest folds DESC-ordered rows into one snapshot, first non-nil
// value per field wins.
func mergeLatest(results []client.Result) scalar.Map {
	merged := scalar.Map{}
	for _, result := range results {
		for _, series := range result.Series {
			for _, values := range series.Values {
				for i, col := range series.Columns {
					if _, skip := systemSlots[col]; skip {
						continue
					}
					if i >= len(values) || values[i] == nil {
						continue
					}
					if merged.Has(col) {
						continue
					}
					merged[col] = scalar.FromAny(values[i])
				}
			}
		}
	}
	return merged
}

// escapeString escapes single quotes so identifiers cannot break out of
// the InfluxQL string literal.
func escapeString(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}
