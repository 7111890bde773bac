// Package fieldsim simulates field controllers: it publishes plausible,
// slowly drifting sensor samples for every equipment on a roster into
// the time-series store. Development and e2e setups run it in place of
// real building hardware.
package fieldsim

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/types"
)

// DefaultInterval matches the fastest processor tick so every gate
// evaluation sees fresh samples.
const DefaultInterval = 15 * time.Second

// channel holds one drifting reading: a random walk inside [Min,Max]
// moving at most Step per round.
type channel struct {
	Field string
	Min   float64
	Max   float64
	Step  float64
}

// channelsFor returns the sensor channels a controller of this type
// reports. Field names follow the vendor aliases the control algorithms
// resolve.
func channelsFor(equipmentType types.EquipmentType) []channel {
	switch equipmentType {
	case types.TypeAirHandler, types.TypeRTU:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"supplyTemp", 48, 78, 0.8},
			{"returnTemp", 68, 76, 0.4},
			{"roomTemp", 68, 76, 0.3},
			{"mixedAirTemp", 50, 75, 0.6},
			{"staticPressure", 2.5, 4.5, 0.1},
			{"fanSpeed", 30, 90, 2.0},
		}
	case types.TypeBoiler:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"waterTemp", 130, 185, 1.5},
			{"pressure", 12, 25, 0.4},
		}
	case types.TypeChiller:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"chilledWaterTemp", 43, 52, 0.4},
			{"refrigerantPressure", 110, 180, 2.0},
			{"amps", 18, 42, 1.0},
		}
	case types.TypePump:
		return []channel{
			{"amps", 6, 16, 0.5},
			{"vibration", 1, 6, 0.3},
			{"diffPressure", 9, 15, 0.3},
			{"speed", 40, 95, 2.0},
		}
	case types.TypeDOAS:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"supplyTemp", 55, 75, 0.8},
		}
	case types.TypeFanCoil:
		return []channel{
			{"roomTemp", 68, 76, 0.3},
			{"supplyTemp", 50, 80, 0.8},
		}
	case types.TypeCoolingTower:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"supplyTemp", 70, 90, 0.6},
			{"fanSpeed", 20, 100, 2.5},
		}
	default:
		return []channel{
			{"outdoorTemp", 20, 95, 0.5},
			{"supplyTemp", 50, 80, 0.8},
		}
	}
}

// Simulator publishes one sample round per equipment per interval.
type Simulator struct {
	client   client.Client
	database string
	fleet    []types.Equipment
	interval time.Duration

	mu     sync.Mutex
	values map[string]map[string]float64
	rng    *rand.Rand

	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New connects a simulator to the time-series store. The fleet is fixed
// at construction; restart the simulator after roster edits.
func New(influxURL, database string, fleet []types.Equipment) (*Simulator, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{Addr: influxURL, Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fieldsim: influx client: %w", err)
	}
	return NewWithClient(c, database, fleet), nil
}

// NewWithClient wraps an existing client. Tests pass one pointed at the
// in-process store.
func NewWithClient(c client.Client, database string, fleet []types.Equipment) *Simulator {
	return &Simulator{
		client:   c,
		database: database,
		fleet:    fleet,
		interval: DefaultInterval,
		values:   make(map[string]map[string]float64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// SetInterval overrides the publish cadence. Must be called before Start.
func (s *Simulator) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetSeed makes the random walks reproducible. Must be called before the
// first round.
func (s *Simulator) SetSeed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// Start launches the publish loop.
func (s *Simulator) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("fieldsim: simulator closed")
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("fieldsim: already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts publishing and waits for the loop to drain.
func (s *Simulator) Stop(ctx context.Context) error {
	if !s.started.Load() || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First round immediately so fresh processes have samples to read.
	if err := s.Once(s.ctx); err != nil {
		log.Printf("[fieldsim] publish: %v", err)
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Once(s.ctx); err != nil {
				log.Printf("[fieldsim] publish: %v", err)
			}
		}
	}
}

// Once publishes a single sample round for the whole fleet. The
// underlying client has no context plumbing; ctx is accepted for
// signature symmetry with the rest of the I/O layer.
func (s *Simulator) Once(_ context.Context) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.database,
		Precision: "ns",
	})
	if err != nil {
		return fmt.Errorf("fieldsim: batch points: %w", err)
	}

	now := s.now()
	for _, eq := range s.fleet {
		tags := map[string]string{
			"equipmentId":    eq.EquipmentID,
			"locationId":     eq.LocationID,
			"equipment_type": string(eq.Type),
		}
		fields := make(map[string]interface{})
		for field, value := range s.nextRound(eq) {
			fields[field] = value
		}
		pt, err := client.NewPoint(metricstore.MeasurementMetrics, tags, fields, now)
		if err != nil {
			return fmt.Errorf("fieldsim: point for %s: %w", eq.EquipmentID, err)
		}
		bp.AddPoint(pt)
	}

	if err := s.client.Write(bp); err != nil {
		return fmt.Errorf("fieldsim: write: %w", err)
	}
	return nil
}

// nextRound advances every channel's random walk for one equipment.
func (s *Simulator) nextRound(eq types.Equipment) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.values[eq.EquipmentID]
	if !ok {
		state = make(map[string]float64)
		s.values[eq.EquipmentID] = state
	}

	out := make(map[string]float64)
	for _, ch := range channelsFor(eq.Type) {
		v, seen := state[ch.Field]
		if !seen {
			v = ch.Min + s.rng.Float64()*(ch.Max-ch.Min)
		} else {
			v += (s.rng.Float64()*2 - 1) * ch.Step
			if v < ch.Min {
				v = ch.Min
			}
			if v > ch.Max {
				v = ch.Max
			}
		}
		state[ch.Field] = v
		out[ch.Field] = v
	}
	return out
}

// Close releases the store connection.
func (s *Simulator) Close() error {
	return s.client.Close()
}
