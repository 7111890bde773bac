// Package types provides shared type definitions used across multiple packages.
package types

import (
	"fmt"
	"time"
)

// EquipmentType categorizes HVAC equipment for scheduling, gating, and
// command whitelisting.
type EquipmentType string

const (
	TypeAirHandler   EquipmentType = "airHandler"
	TypeBoiler       EquipmentType = "boiler"
	TypeChiller      EquipmentType = "chiller"
	TypePump         EquipmentType = "pump"
	TypeDOAS         EquipmentType = "doas"
	TypeFanCoil      EquipmentType = "fanCoil"
	TypeCoolingTower EquipmentType = "coolingTower"
	TypeRTU          EquipmentType = "rtu"
)

// Role describes an equipment's position in a lead-lag group.
type Role string

const (
	RoleLead       Role = "lead"
	RoleLag        Role = "lag"
	RoleStandalone Role = "standalone"
)

// Equipment identifies one piece of HVAC equipment at a location.
// Rosters are owned outside the control plane; the core treats them as
// read-only.
type Equipment struct {
	EquipmentID string        `json:"equipment_id" yaml:"equipment_id"`
	LocationID  string        `json:"location_id" yaml:"location_id"`
	Type        EquipmentType `json:"type" yaml:"type"`
	Subtype     string        `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Role        Role          `json:"role,omitempty" yaml:"role,omitempty"`
	GroupID     string        `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Zone        string        `json:"zone,omitempty" yaml:"zone,omitempty"`
	System      string        `json:"system,omitempty" yaml:"system,omitempty"`
}

// JobKey returns the queue uniqueness key "{locationId}-{equipmentId}-{type}".
// At most one job per JobKey may be waiting, active, or delayed.
func (e Equipment) JobKey() string {
	return fmt.Sprintf("%s-%s-%s", e.LocationID, e.EquipmentID, e.Type)
}

// ChillerStages returns the stage count for chillers (2 unless the
// subtype names a 4-stage unit) and 0 for everything else.
func (e Equipment) ChillerStages() int {
	if e.Type != TypeChiller {
		return 0
	}
	if e.Subtype == "4stage" {
		return 4
	}
	return 2
}

// TickPeriod returns the processor evaluation period for the equipment's
// category.
func (e Equipment) TickPeriod() time.Duration {
	switch e.Type {
	case TypeBoiler:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// CleanupTimeout returns the wall-clock bound after which an in-flight
// jobKey is reclaimed even if no completion event arrived.
func (e Equipment) CleanupTimeout() time.Duration {
	switch e.Type {
	case TypePump:
		return 60 * time.Second
	default:
		return 90 * time.Second
	}
}

// MaxStaleness returns how long an equipment may go without processing
// before the gate enqueues it at the floor priority.
func (e Equipment) MaxStaleness() time.Duration {
	switch e.Type {
	case TypeBoiler:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// LeadLagGroup is a set of paired equipment sharing one pump/boiler/chiller
// function. Members are referenced by id, never by pointer; the group row
// owns the membership.
type LeadLagGroup struct {
	GroupID          string    `json:"group_id" yaml:"group_id"`
	LocationID       string    `json:"location_id" yaml:"location_id"`
	Members          []string  `json:"members" yaml:"members"`
	LeadEquipmentID  string    `json:"lead_equipment_id" yaml:"lead_equipment_id"`
	NextChangeoverAt time.Time `json:"next_changeover_at,omitempty" yaml:"next_changeover_at,omitempty"`
	ChangeoverEvery  string    `json:"changeover_every,omitempty" yaml:"changeover_every,omitempty"`
	FailoverState    string    `json:"failover_state,omitempty" yaml:"failover_state,omitempty"`
}

// ChangeoverInterval parses ChangeoverEvery, defaulting to weekly.
func (g LeadLagGroup) ChangeoverInterval() time.Duration {
	if g.ChangeoverEvery == "" {
		return 7 * 24 * time.Hour
	}
	d, err := time.ParseDuration(g.ChangeoverEvery)
	if err != nil || d <= 0 {
		return 7 * 24 * time.Hour
	}
	return d
}
