package metricstore

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Command is one control output heading for the field controllers.
type Command struct {
	CommandType string
	Value       scalar.Scalar
}

// WriteOptions tag the emitted rows with their origin and disposition.
type WriteOptions struct {
	// Source is "ui" for operator commands, "scheduler" for gate-driven
	// evaluation.
	Source string
	// Status is "applied" for normal outputs, "safety" for conservative
	// bursts.
	Status string
}

// FieldResult reports the per-field outcome of a write. A malformed value
// fails its own field without losing the rest of the batch.
type FieldResult struct {
	Field string
	Err   error
}

// WriteCommands emits one timestamped row per command to both the command
// log and the locations table. Identical replays overwrite the same rows
// and are harmless. Transient endpoint errors are retried before being
// reported against every attempted field.
func (s *Store) WriteCommands(ctx context.Context, equipmentID, locationID string, equipmentType types.EquipmentType, commands []Command, opts WriteOptions) []FieldResult {
	results := make([]FieldResult, 0, len(commands))
	if len(commands) == 0 {
		return results
	}
	if opts.Source == "" {
		opts.Source = "scheduler"
	}
	if opts.Status == "" {
		opts.Status = "applied"
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.database,
		Precision: "ns",
	})
	if err != nil {
		for _, cmd := range commands {
			results = append(results, FieldResult{Field: cmd.CommandType, Err: err})
		}
		return results
	}

	now := time.Now()
	written := make([]string, 0, len(commands))

	for _, cmd := range commands {
		value, err := coerceValue(equipmentType, cmd)
		if err != nil {
			results = append(results, FieldResult{Field: cmd.CommandType, Err: err})
			continue
		}

		tags := map[string]string{
			"equipment_id":   equipmentID,
			"location_id":    locationID,
			"command_type":   cmd.CommandType,
			"equipment_type": string(equipmentType),
			"source":         opts.Source,
			"status":         opts.Status,
		}
		fields := map[string]interface{}{"value": value}

		for _, measurement := range []string{MeasurementCommands, MeasurementLocations} {
			pt, err := client.NewPoint(measurement, tags, fields, now)
			if err != nil {
				results = append(results, FieldResult{Field: cmd.CommandType, Err: err})
				continue
			}
			bp.AddPoint(pt)
		}
		written = append(written, cmd.CommandType)
	}

	if len(bp.Points()) == 0 {
		return results
	}

	err = retry.Do(
		func() error { return s.client.Write(bp) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	for _, field := range written {
		results = append(results, FieldResult{Field: field, Err: err})
	}
	return results
}

// coerceValue converts a command value into the wire representation for
// its field. Numerics are forced to float64 before write; booleans follow
// the per-field convention table.
func coerceValue(equipmentType types.EquipmentType, cmd Command) (interface{}, error) {
	switch cmd.Value.Kind() {
	case scalar.KindBool:
		b, _ := cmd.Value.Boolean()
		if conventionFor(equipmentType, cmd.CommandType) == BoolAsString {
			if b {
				return "true", nil
			}
			return "false", nil
		}
		if b {
			return 1.0, nil
		}
		return 0.0, nil

	case scalar.KindNum:
		f, _ := cmd.Value.Float()
		return f, nil

	case scalar.KindText:
		// Boolean-looking text follows the field convention; numeric
		// text is coerced to float; anything else passes through.
		if b, ok := cmd.Value.Boolean(); ok {
			return coerceValue(equipmentType, Command{CommandType: cmd.CommandType, Value: scalar.Bool(b)})
		}
		if f, ok := cmd.Value.Float(); ok {
			return f, nil
		}
		return cmd.Value.String(), nil

	default:
		return nil, fmt.Errorf("command %s: unsupported value kind %s", cmd.CommandType, cmd.Value.Kind())
	}
}
