package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atriumbms/atrium/internal/batch"
	"github.com/atriumbms/atrium/internal/types"
)

// A freezing supply duct must preempt everything: the gate queues the
// unit at the safety priority and the worker publishes the protective
// state (fan off, heating valve open, damper shut).
func TestFreezestatSafetyOverride(t *testing.T) {
	eq := types.Equipment{EquipmentID: "AHU-1", LocationID: "L2", Type: types.TypeAirHandler}
	s := newStack(t, singleLocationRoster(eq), true)

	s.seedMetrics(eq, map[string]interface{}{
		"supplyTemp":   33.0,
		"mixedAirTemp": 38.0,
		"roomTemp":     70.0,
		"outdoorTemp":  28.0,
	})

	res, err := s.runner.RunAll(context.Background(), batch.Options{Debug: true})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if res.Skipped {
		t.Fatal("pass skipped unexpectedly")
	}
	if res.Queued != 1 {
		t.Fatalf("queued = %d, want 1", res.Queued)
	}

	var seen bool
	for _, d := range res.Decisions {
		if d.EquipmentID != "AHU-1" {
			continue
		}
		seen = true
		if d.Priority != types.PrioritySafety {
			t.Errorf("priority = %d, want %d", d.Priority, types.PrioritySafety)
		}
		if !strings.Contains(d.Reason, "freeze") {
			t.Errorf("reason = %q, want a freeze trigger", d.Reason)
		}
	}
	if !seen {
		t.Fatalf("no decision recorded for AHU-1: %+v", res.Decisions)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.commandRows("AHU-1")["fanEnabled"]; ok {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	rows := s.commandRows("AHU-1")
	for field, want := range map[string]float64{
		"fanEnabled":            0.0,
		"heatingValvePosition":  100.0,
		"outdoorDamperPosition": 0.0,
	} {
		row, ok := rows[field]
		if !ok {
			t.Errorf("no %s command row, have %v", field, rows)
			continue
		}
		if got, _ := row.Fields["value"].(float64); got != want {
			t.Errorf("%s = %v, want %v", field, row.Fields["value"], want)
		}
		if row.Tags["status"] != "safety" {
			t.Errorf("%s status tag = %q, want safety", field, row.Tags["status"])
		}
		if row.Tags["source"] != "scheduler" {
			t.Errorf("%s source tag = %q, want scheduler", field, row.Tags["source"])
		}
	}
}
