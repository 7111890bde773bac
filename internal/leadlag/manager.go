// Package leadlag rotates and fails over paired equipment: the boiler,
// pump, and chiller groups where one unit leads and the others stand by.
// A pass runs at most once per lock TTL per location: the lock is left
// to lapse instead of being released, so the TTL is the cadence.
package leadlag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/types"
)

// faultSampleWindow is how far back the manager looks for any sample
// from the lead before declaring it silent.
const faultSampleWindow = 10 * time.Minute

// MetricSource reads the latest field-controller samples.
type MetricSource interface {
	ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error)
}

// Enqueuer routes one job to its location's queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) (bool, error)
}

// FleetSource resolves roster membership for one location.
type FleetSource interface {
	Find(locationID, equipmentID string) (types.Equipment, bool)
	GroupsForLocation(locationID string) []types.LeadLagGroup
}

// Manager owns lead-lag rotation state for all groups it is shown.
type Manager struct {
	state   *statestore.Store
	metrics MetricSource
	queue   Enqueuer
	fleet   FleetSource
	log     *events.EventLogger

	sampleWindow time.Duration
	now          func() time.Time
}

// New creates a manager.
func New(state *statestore.Store, metrics MetricSource, queue Enqueuer, fleet FleetSource, log *events.EventLogger) *Manager {
	if log == nil {
		log = events.NoopEventLogger()
	}
	return &Manager{
		state:        state,
		metrics:      metrics,
		queue:        queue,
		fleet:        fleet,
		log:          log,
		sampleWindow: faultSampleWindow,
		now:          time.Now,
	}
}

// Run executes one rotation pass for a location if the lock is free.
// Returns whether the pass ran. A held lock is a successful skip.
func (m *Manager) Run(ctx context.Context, locationID string) (bool, error) {
	_, acquired, err := m.state.AcquireLock(ctx, "leadlag:"+locationID, config.DefaultLeadLagLockTTL)
	if err != nil {
		return false, fmt.Errorf("leadlag: acquire lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	var errs []error
	for _, group := range m.fleet.GroupsForLocation(locationID) {
		if err := m.runGroup(ctx, group); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", group.GroupID, err))
		}
	}
	return true, errors.Join(errs...)
}

func (m *Manager) runGroup(ctx context.Context, group types.LeadLagGroup) error {
	if len(group.Members) < 2 {
		return nil
	}

	// 1. Load rotation state. The roster stays authoritative for
	// membership and cadence; the stored row owns lead + changeover
	// bookkeeping.
	stored, err := m.state.GetLeadLagGroup(ctx, group.LocationID, group.GroupID)
	if err != nil {
		return err
	}
	if stored == nil {
		seeded := group
		if seeded.LeadEquipmentID == "" || !lo.Contains(seeded.Members, seeded.LeadEquipmentID) {
			seeded.LeadEquipmentID = seeded.Members[0]
		}
		if seeded.NextChangeoverAt.IsZero() {
			seeded.NextChangeoverAt = m.now().Add(seeded.ChangeoverInterval())
		}
		// Seeding aligns every member's isLead so the algorithms see
		// exactly one lead from the first evaluation on.
		return m.applyLeadChange(ctx, &seeded, seeded.LeadEquipmentID, "initial lead assignment")
	}
	stored.Members = group.Members
	stored.ChangeoverEvery = group.ChangeoverEvery

	// 2. A lead that left the roster is replaced immediately.
	lead, onRoster := m.fleet.Find(group.LocationID, stored.LeadEquipmentID)
	if !onRoster || !lo.Contains(stored.Members, stored.LeadEquipmentID) {
		return m.applyLeadChange(ctx, stored, stored.Members[0], "lead removed from roster")
	}

	// 3. Failover beats the schedule.
	if reason, faulted := m.faultSignature(ctx, lead); faulted {
		candidate, found := m.healthyStandby(ctx, *stored)
		if !found {
			stored.FailoverState = "degraded: no healthy standby"
			return m.state.PutLeadLagGroup(ctx, stored)
		}
		stored.FailoverState = "failover: " + reason
		return m.applyLeadChange(ctx, stored, candidate, "failover: "+reason)
	}
	if stored.FailoverState != "" {
		stored.FailoverState = ""
		if err := m.state.PutLeadLagGroup(ctx, stored); err != nil {
			return err
		}
	}

	// 4. Scheduled rotation.
	now := m.now()
	if !stored.NextChangeoverAt.IsZero() && !now.Before(stored.NextChangeoverAt) {
		next := nextAfter(stored.Members, stored.LeadEquipmentID)
		interval := stored.ChangeoverInterval()
		for !stored.NextChangeoverAt.After(now) {
			stored.NextChangeoverAt = stored.NextChangeoverAt.Add(interval)
		}
		return m.applyLeadChange(ctx, stored, next, "scheduled rotation")
	}
	return nil
}

// faultSignature reports whether the lead looks dead: silent past the
// sample window, or tripping a hard safety limit. A metric-store error
// is neither; failing over on I/O noise would flap the pair.
func (m *Manager) faultSignature(ctx context.Context, eq types.Equipment) (string, bool) {
	metrics, err := m.metrics.ReadLatestMetrics(ctx, eq.EquipmentID, eq.LocationID, m.sampleWindow)
	if err != nil {
		return "", false
	}
	if len(metrics) == 0 {
		return fmt.Sprintf("no samples within %s", m.sampleWindow), true
	}
	if reason, _, hit := gate.SafetyCondition(eq, metrics); hit {
		return reason, true
	}
	return "", false
}

// healthyStandby returns the first member after the lead (ring order)
// that is reporting samples and clear of safety limits.
func (m *Manager) healthyStandby(ctx context.Context, group types.LeadLagGroup) (string, bool) {
	ordered := ringFrom(group.Members, group.LeadEquipmentID)
	for _, memberID := range ordered {
		if memberID == group.LeadEquipmentID {
			continue
		}
		eq, ok := m.fleet.Find(group.LocationID, memberID)
		if !ok {
			continue
		}
		if _, faulted := m.faultSignature(ctx, eq); !faulted {
			return memberID, true
		}
	}
	return "", false
}

// applyLeadChange flips isLead across the whole membership in one
// settings transaction, persists the group row, and enqueues a command
// burst so every member re-evaluates promptly through the normal worker
// path.
func (m *Manager) applyLeadChange(ctx context.Context, group *types.LeadLagGroup, newLead, reason string) error {
	oldLead := group.LeadEquipmentID

	writes := make([]statestore.SettingsWrite, 0, len(group.Members))
	for _, memberID := range group.Members {
		settings, err := m.state.GetSettings(ctx, group.LocationID, memberID)
		if err != nil {
			return fmt.Errorf("read settings %s: %w", memberID, err)
		}
		if settings == nil {
			settings = &types.EquipmentSettings{Enabled: true}
		}
		settings.IsLead = memberID == newLead
		settings.ModifiedBy = "leadlag"
		writes = append(writes, statestore.SettingsWrite{EquipmentID: memberID, Settings: settings})
	}
	if err := m.state.PutSettingsPair(ctx, group.LocationID, writes...); err != nil {
		return fmt.Errorf("flip lead %s -> %s: %w", oldLead, newLead, err)
	}

	group.LeadEquipmentID = newLead
	if err := m.state.PutLeadLagGroup(ctx, group); err != nil {
		return err
	}

	for _, memberID := range group.Members {
		eq, ok := m.fleet.Find(group.LocationID, memberID)
		if !ok {
			continue
		}
		job := &types.Job{
			EquipmentID: memberID,
			LocationID:  group.LocationID,
			Type:        types.JobTypeCommand,
			Equipment:   eq.Type,
			Priority:    types.PriorityOperator,
			Reason:      reason,
			Command: &types.CommandPayload{
				Command:  "leadRotation",
				Settings: map[string]interface{}{"isLead": memberID == newLead},
				UserName: "leadlag",
			},
		}
		if _, err := m.queue.Enqueue(ctx, job); err != nil {
			m.log.LogQueueError("enqueue", err)
		}
	}

	m.log.LogLeadChange(group.GroupID, oldLead, newLead, reason)
	return nil
}

// nextAfter returns the member following id in ring order.
func nextAfter(members []string, id string) string {
	i := lo.IndexOf(members, id)
	if i < 0 {
		return members[0]
	}
	return members[(i+1)%len(members)]
}

// ringFrom returns members rotated to start just after id.
func ringFrom(members []string, id string) []string {
	i := lo.IndexOf(members, id)
	if i < 0 {
		return members
	}
	out := make([]string, 0, len(members))
	out = append(out, members[i+1:]...)
	out = append(out, members[:i+1]...)
	return out
}
