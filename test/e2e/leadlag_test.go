package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atriumbms/atrium/internal/roster"
	"github.com/atriumbms/atrium/internal/types"
)

// A lead pump tripping its current limit hands the lead to the healthy
// standby: settings flip atomically, the group row records the failover,
// and the burst re-evaluates both members.
func TestLeadFailoverOnFaultedLead(t *testing.T) {
	file := roster.File{Locations: []roster.Location{{
		LocationID: "L1",
		Equipment: []types.Equipment{
			{EquipmentID: "P1", Type: types.TypePump, Role: types.RoleLead},
			{EquipmentID: "P2", Type: types.TypePump, Role: types.RoleLag},
		},
		Groups: []types.LeadLagGroup{{
			GroupID: "G1",
			Members: []string{"P1", "P2"},
		}},
	}}}
	s := newStack(t, file, false)
	ctx := context.Background()

	// An established pair, P1 leading, next scheduled rotation far out.
	err := s.state.PutLeadLagGroup(ctx, &types.LeadLagGroup{
		GroupID:          "G1",
		LocationID:       "L1",
		Members:          []string{"P1", "P2"},
		LeadEquipmentID:  "P1",
		NextChangeoverAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed group: %v", err)
	}
	for id, lead := range map[string]bool{"P1": true, "P2": false} {
		err := s.state.PutSettings(ctx, "L1", id, &types.EquipmentSettings{Enabled: true, IsLead: lead})
		if err != nil {
			t.Fatalf("seed settings %s: %v", id, err)
		}
	}

	p1 := types.Equipment{EquipmentID: "P1", LocationID: "L1", Type: types.TypePump}
	p2 := types.Equipment{EquipmentID: "P2", LocationID: "L1", Type: types.TypePump}
	s.seedMetrics(p1, map[string]interface{}{"amps": 22.0, "diffPressure": 11.0})
	s.seedMetrics(p2, map[string]interface{}{"amps": 10.0, "diffPressure": 12.0})

	ran, err := s.rotation.Run(ctx, "L1")
	if err != nil {
		t.Fatalf("rotation run: %v", err)
	}
	if !ran {
		t.Fatal("rotation pass did not run")
	}

	group, err := s.state.GetLeadLagGroup(ctx, "L1", "G1")
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if group.LeadEquipmentID != "P2" {
		t.Errorf("lead = %q, want P2", group.LeadEquipmentID)
	}
	if !strings.HasPrefix(group.FailoverState, "failover:") {
		t.Errorf("failover state = %q, want a failover marker", group.FailoverState)
	}

	for id, wantLead := range map[string]bool{"P1": false, "P2": true} {
		settings, err := s.state.GetSettings(ctx, "L1", id)
		if err != nil {
			t.Fatalf("read settings %s: %v", id, err)
		}
		if settings == nil {
			t.Fatalf("no settings for %s", id)
		}
		if settings.IsLead != wantLead {
			t.Errorf("%s isLead = %v, want %v", id, settings.IsLead, wantLead)
		}
		if settings.ModifiedBy != "leadlag" {
			t.Errorf("%s modifiedBy = %q, want leadlag", id, settings.ModifiedBy)
		}
	}

	// Both members get a re-evaluation command.
	counts, err := s.queues.ForLocation("L1").Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 2 {
		t.Errorf("waiting = %d, want 2 burst jobs", counts.Waiting)
	}
}

// A fresh group is seeded with exactly one lead before any failover
// logic applies.
func TestLeadSeedingAlignsMembers(t *testing.T) {
	file := roster.File{Locations: []roster.Location{{
		LocationID: "L3",
		Equipment: []types.Equipment{
			{EquipmentID: "B1", Type: types.TypeBoiler},
			{EquipmentID: "B2", Type: types.TypeBoiler},
		},
		Groups: []types.LeadLagGroup{{
			GroupID: "HW",
			Members: []string{"B1", "B2"},
		}},
	}}}
	s := newStack(t, file, false)
	ctx := context.Background()

	ran, err := s.rotation.Run(ctx, "L3")
	if err != nil {
		t.Fatalf("rotation run: %v", err)
	}
	if !ran {
		t.Fatal("rotation pass did not run")
	}

	group, err := s.state.GetLeadLagGroup(ctx, "L3", "HW")
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if group == nil {
		t.Fatal("group not seeded")
	}
	if group.LeadEquipmentID != "B1" {
		t.Errorf("seeded lead = %q, want B1", group.LeadEquipmentID)
	}
	if group.NextChangeoverAt.IsZero() {
		t.Error("changeover not scheduled")
	}

	leads := 0
	for _, id := range []string{"B1", "B2"} {
		settings, err := s.state.GetSettings(ctx, "L3", id)
		if err != nil {
			t.Fatalf("read settings %s: %v", id, err)
		}
		if settings != nil && settings.IsLead {
			leads++
		}
	}
	if leads != 1 {
		t.Errorf("leads after seeding = %d, want exactly 1", leads)
	}
}
