// Package gate decides, per equipment and per tick, whether control work
// is worth queueing and at what priority. It is the throttle between the
// location processors and the job queue: most ticks produce a skip, and
// the priority ladder ranks the ticks that do not.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// MetricSource is the slice of the metric gateway the gate consumes.
type MetricSource interface {
	ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error)
	ReadRecentUICommands(ctx context.Context, equipmentID string, window time.Duration) (int, error)
}

// SettingsSource is the slice of the state store the gate consumes.
type SettingsSource interface {
	GetSettings(ctx context.Context, locationID, equipmentID string) (*types.EquipmentSettings, error)
}

// Decision is the gate's verdict for one equipment tick.
type Decision struct {
	Process  bool
	Priority int
	Reason   string
}

// Change-detection thresholds against the previous snapshot, by field
// class.
const (
	changeTempF    = 2.0
	changeValvePct = 15.0
	changeSpeedPct = 12.0

	// How close chilled water may drift to a stage threshold before the
	// crossing counts as imminent.
	stageImminentBandF = 0.5

	// Safety bands checked by the gate. These are wider than the
	// algorithm-level safeties: the gate only ranks urgency, the
	// algorithm decides the shutdown.
	airSupplyHighF = 120.0
	airSupplyLowF  = 35.0
)

// Gate evaluates the priority ladder for equipment at one location. The
// deviation cache and staleness stamps are in-process state scoped to
// this gate instance.
type Gate struct {
	metrics  MetricSource
	settings SettingsSource
	log      *events.EventLogger

	// prev holds the last metric snapshot per jobKey, stamps the last
	// time the gate approved processing.
	prev   *gocache.Cache
	stamps *gocache.Cache

	metricWindow time.Duration
	uiWindow     time.Duration

	now func() time.Time
}

// New creates a gate for one location's processor.
func New(metrics MetricSource, settings SettingsSource, log *events.EventLogger) *Gate {
	if log == nil {
		log = events.NoopEventLogger()
	}
	return &Gate{
		metrics:      metrics,
		settings:     settings,
		log:          log,
		prev:         gocache.New(30*time.Minute, 10*time.Minute),
		stamps:       gocache.New(30*time.Minute, 10*time.Minute),
		metricWindow: config.DefaultMetricWindow,
		uiWindow:     config.DefaultUICommandWindow,
		now:          time.Now,
	}
}

// Decide walks the priority ladder for one equipment. Any internal
// failure fails open: the equipment is processed at the floor priority
// rather than silently skipped.
func (g *Gate) Decide(ctx context.Context, eq types.Equipment) Decision {
	metrics, err := g.metrics.ReadLatestMetrics(ctx, eq.EquipmentID, eq.LocationID, g.metricWindow)
	if err != nil {
		return g.failOpen(eq, err)
	}
	settings, err := g.settings.GetSettings(ctx, eq.LocationID, eq.EquipmentID)
	if err != nil {
		return g.failOpen(eq, err)
	}

	previous := g.swapSnapshot(eq, metrics)

	if reason, value, hit := SafetyCondition(eq, metrics); hit {
		g.log.LogSafetyTrigger(eq.EquipmentID, reason, value)
		return g.approve(eq, types.PrioritySafety, reason)
	}
	if reason, hit := deviationTrigger(eq, metrics, settings); hit {
		return g.approve(eq, types.PriorityDeviation, reason)
	}
	if reason, hit := stageCrossingImminent(eq, metrics, settings); hit {
		return g.approve(eq, types.PriorityStageImminent, reason)
	}

	uiCount, err := g.metrics.ReadRecentUICommands(ctx, eq.EquipmentID, g.uiWindow)
	if err != nil {
		return g.failOpen(eq, err)
	}
	if uiCount > 0 {
		return g.approve(eq, types.PriorityOperator,
			fmt.Sprintf("operator: %d command(s) in window", uiCount))
	}

	if reason, hit := significantChange(previous, metrics); hit {
		return g.approve(eq, types.PriorityChange, reason)
	}

	if g.staleSince(eq) >= eq.MaxStaleness() {
		return g.approve(eq, types.PriorityStale, "max staleness")
	}
	return Decision{Process: false, Reason: "no trigger"}
}

func (g *Gate) approve(eq types.Equipment, priority int, reason string) Decision {
	g.stamps.Set(eq.JobKey(), g.now(), gocache.DefaultExpiration)
	return Decision{Process: true, Priority: priority, Reason: reason}
}

func (g *Gate) failOpen(eq types.Equipment, err error) Decision {
	g.log.LogGateError(eq.EquipmentID, err)
	return Decision{Process: true, Priority: types.PriorityStale, Reason: "gate error"}
}

// swapSnapshot stores the current snapshot and returns the previous one,
// nil on the first sighting.
func (g *Gate) swapSnapshot(eq types.Equipment, metrics scalar.Map) scalar.Map {
	key := eq.JobKey()
	var previous scalar.Map
	if v, ok := g.prev.Get(key); ok {
		previous, _ = v.(scalar.Map)
	}
	g.prev.Set(key, metrics, gocache.DefaultExpiration)
	return previous
}

// staleSince reports how long ago the gate last approved this equipment.
// An equipment never seen before counts as infinitely stale so everything
// gets one evaluation after startup.
func (g *Gate) staleSince(eq types.Equipment) time.Duration {
	v, ok := g.stamps.Get(eq.JobKey())
	if !ok {
		return 365 * 24 * time.Hour
	}
	last, _ := v.(time.Time)
	return g.now().Sub(last)
}

// SafetyCondition checks the per-type hard limits against a metric
// snapshot. The lead-lag manager shares it to recognize a faulted lead.
func SafetyCondition(eq types.Equipment, m scalar.Map) (string, float64, bool) {
	switch eq.Type {
	case types.TypeAirHandler, types.TypeRTU, types.TypeFanCoil, types.TypeDOAS:
		if supply, ok := control.ReadingSupply.Lookup(m); ok {
			if supply > airSupplyHighF {
				return fmt.Sprintf("safety: supply temperature %.1fF", supply), supply, true
			}
			if supply < airSupplyLowF {
				return fmt.Sprintf("safety: supply freeze risk %.1fF", supply), supply, true
			}
		}
	case types.TypeBoiler:
		if water, ok := control.ReadingWaterTemp.Lookup(m); ok && water > 200 {
			return fmt.Sprintf("safety: water temperature %.1fF", water), water, true
		}
		if pressure, ok := control.ReadingWaterPressure.Lookup(m); ok && pressure > 30 {
			return fmt.Sprintf("safety: pressure %.1fPSI", pressure), pressure, true
		}
	case types.TypeChiller:
		if amps, ok := control.ReadingAmps.Lookup(m); ok && amps > 50 {
			return fmt.Sprintf("safety: compressor current %.1fA", amps), amps, true
		}
		if ref, ok := control.ReadingRefrigerant.Lookup(m); ok && ref > 200 {
			return fmt.Sprintf("safety: refrigerant pressure %.0fPSI", ref), ref, true
		}
		if chw, ok := control.ReadingChilledWater.Lookup(m); ok && chw < 35 {
			return fmt.Sprintf("safety: chilled water %.1fF", chw), chw, true
		}
	case types.TypePump:
		if amps, ok := control.ReadingAmps.Lookup(m); ok && amps > 20 {
			return fmt.Sprintf("safety: motor current %.1fA", amps), amps, true
		}
		if vib, ok := control.ReadingVibration.Lookup(m); ok && vib > 10 {
			return fmt.Sprintf("safety: vibration %.1f", vib), vib, true
		}
	}
	return "", 0, false
}

func deviationTrigger(eq types.Equipment, m scalar.Map, settings *types.EquipmentSettings) (string, bool) {
	switch eq.Type {
	case types.TypeAirHandler, types.TypeRTU, types.TypeFanCoil, types.TypeDOAS:
		roomSP := 72.0
		if settings != nil && settings.TemperatureSetpoint != nil {
			roomSP = *settings.TemperatureSetpoint
		}
		if room, ok := control.ReadingRoom.Lookup(m); ok {
			if delta := room - roomSP; delta > 2 || delta < -2 {
				return fmt.Sprintf("deviation: room %.1fF off setpoint %.1fF", room, roomSP), true
			}
		}
		if supply, ok := control.ReadingSupply.Lookup(m); ok && (supply < 45 || supply > 85) {
			return fmt.Sprintf("deviation: supply %.1fF outside 45-85F", supply), true
		}
	case types.TypeBoiler:
		sp := control.BoilerResetSetpoint(control.ReadingOutdoor.Value(m, 50))
		if settings != nil && settings.TemperatureSetpoint != nil {
			sp = *settings.TemperatureSetpoint
		}
		if water, ok := control.ReadingWaterTemp.Lookup(m); ok {
			if delta := water - sp; delta > 10 || delta < -10 {
				return fmt.Sprintf("deviation: water %.1fF off setpoint %.1fF", water, sp), true
			}
		}
	case types.TypeChiller:
		sp := 45.0
		if settings != nil && settings.TemperatureSetpoint != nil {
			sp = *settings.TemperatureSetpoint
		}
		if chw, ok := control.ReadingChilledWater.Lookup(m); ok {
			if delta := chw - sp; delta > 2 || delta < -2 {
				return fmt.Sprintf("deviation: chilled water %.1fF off setpoint %.1fF", chw, sp), true
			}
		}
	}
	return "", false
}

// stageCrossingImminent flags a chiller whose chilled-water temperature
// sits within half a degree of a stage threshold, so the stage change
// lands promptly instead of waiting out a stale interval.
func stageCrossingImminent(eq types.Equipment, m scalar.Map, settings *types.EquipmentSettings) (string, bool) {
	if eq.Type != types.TypeChiller {
		return "", false
	}
	chw, ok := control.ReadingChilledWater.Lookup(m)
	if !ok {
		return "", false
	}
	sp := 45.0
	if settings != nil && settings.TemperatureSetpoint != nil {
		sp = *settings.TemperatureSetpoint
	}
	for stage := 1; stage <= eq.ChillerStages(); stage++ {
		threshold := control.StageThreshold(sp, stage)
		if diff := chw - threshold; diff >= -stageImminentBandF && diff <= stageImminentBandF {
			return fmt.Sprintf("stage boundary: chilled water %.1fF near %.1fF", chw, threshold), true
		}
	}
	return "", false
}

// significantChange compares the current snapshot against the previous
// tick's. Numeric fields use per-class thresholds; a boolean flip always
// counts.
func significantChange(previous, current scalar.Map) (string, bool) {
	if previous == nil {
		return "", false
	}

	fields := make([]string, 0, len(current))
	for field := range current {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		prev, ok := previous[field]
		if !ok {
			continue
		}
		cur := current[field]

		if pb, ok := prev.Boolean(); ok {
			if cb, ok := cur.Boolean(); ok && cb != pb {
				return fmt.Sprintf("change: %s flipped to %v", field, cb), true
			}
			continue
		}

		threshold, classified := changeThreshold(field)
		if !classified {
			continue
		}
		pf, okP := prev.Float()
		cf, okC := cur.Float()
		if !okP || !okC {
			continue
		}
		if diff := cf - pf; diff > threshold || diff < -threshold {
			return fmt.Sprintf("change: %s moved %.1f", field, diff), true
		}
	}
	return "", false
}

// changeThreshold classifies a metric field by name. Unclassified fields
// never trigger change detection.
func changeThreshold(field string) (float64, bool) {
	name := strings.ToLower(field)
	switch {
	case strings.Contains(name, "temp") || name == "oat" || name == "outdoor" ||
		name == "supply" || name == "room" || name == "return":
		return changeTempF, true
	case strings.Contains(name, "valve") || strings.Contains(name, "damper"):
		return changeValvePct, true
	case strings.Contains(name, "speed") || strings.Contains(name, "vfd"):
		return changeSpeedPct, true
	}
	return 0, false
}
