// Package roster loads the equipment fleet from a YAML file: locations,
// their equipment, and their lead-lag groups. The control plane treats
// the roster as read-only truth; edits land by rewriting the file and
// are picked up on the next reload (plain mtime check, no watcher).
package roster

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/types"
)

// Location is one building with its equipment and lead-lag groups.
// Equipment entries inherit the location's id when they omit their own.
type Location struct {
	LocationID string               `yaml:"location_id" json:"location_id"`
	Name       string               `yaml:"name,omitempty" json:"name,omitempty"`
	Equipment  []types.Equipment    `yaml:"equipment" json:"equipment"`
	Groups     []types.LeadLagGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// File is the on-disk roster document.
type File struct {
	Locations []Location `yaml:"locations"`
}

// Roster is the parsed, indexed fleet. Safe for concurrent use; Reload
// swaps the whole index atomically.
type Roster struct {
	path  string
	store *statestore.Store

	mu          sync.RWMutex
	mtime       time.Time
	all         []types.Equipment
	byKey       map[string]types.Equipment
	byID        map[string]types.Equipment
	groups      map[string][]types.LeadLagGroup
	locationIDs []string
}

// Load reads and indexes the roster file. store may be nil; when set,
// per-location snapshots are published into the equipmentList cache on
// every (re)load so store-only consumers can see the fleet.
func Load(path string, store *statestore.Store) (*Roster, error) {
	r := &Roster{path: path, store: store}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromFile builds a roster from an already-parsed document. Tests and
// fieldsim use it to skip the filesystem.
func FromFile(file File) (*Roster, error) {
	r := &Roster{}
	if err := r.install(file); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse decodes a roster document without indexing it.
func Parse(raw []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("roster: parse: %w", err)
	}
	return &file, nil
}

// Reload re-reads the file when its mtime moved past the last load.
// Returns whether a reload happened. A file that fails validation leaves
// the previous index in place.
func (r *Roster) Reload() (bool, error) {
	if r.path == "" {
		return false, nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("roster: stat %s: %w", r.path, err)
	}

	r.mu.RLock()
	unchanged := !r.mtime.IsZero() && !info.ModTime().After(r.mtime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return false, fmt.Errorf("roster: read %s: %w", r.path, err)
	}
	file, err := Parse(raw)
	if err != nil {
		return false, err
	}
	if err := r.install(*file); err != nil {
		return false, err
	}

	r.mu.Lock()
	r.mtime = info.ModTime()
	r.mu.Unlock()
	return true, nil
}

// install validates and indexes a document, then swaps it in.
func (r *Roster) install(file File) error {
	var all []types.Equipment
	byKey := map[string]types.Equipment{}
	byID := map[string]types.Equipment{}
	groups := map[string][]types.LeadLagGroup{}
	var locationIDs []string

	for _, loc := range file.Locations {
		if loc.LocationID == "" {
			return errors.New("roster: location without location_id")
		}
		if lo.Contains(locationIDs, loc.LocationID) {
			return fmt.Errorf("roster: duplicate location %s", loc.LocationID)
		}
		locationIDs = append(locationIDs, loc.LocationID)

		// Group membership is resolved after the equipment walk so a
		// member may appear later in the file than its group.
		memberGroup := map[string]string{}
		for _, g := range loc.Groups {
			for _, m := range g.Members {
				memberGroup[m] = g.GroupID
			}
		}

		for _, eq := range loc.Equipment {
			if eq.EquipmentID == "" {
				return fmt.Errorf("roster: location %s: equipment without equipment_id", loc.LocationID)
			}
			if eq.Type == "" {
				return fmt.Errorf("roster: %s/%s: missing type", loc.LocationID, eq.EquipmentID)
			}
			if eq.LocationID == "" {
				eq.LocationID = loc.LocationID
			} else if eq.LocationID != loc.LocationID {
				return fmt.Errorf("roster: %s/%s: location_id %q contradicts its location",
					loc.LocationID, eq.EquipmentID, eq.LocationID)
			}
			if _, dup := byID[eq.EquipmentID]; dup {
				return fmt.Errorf("roster: duplicate equipment_id %s (ids are fleet-wide)", eq.EquipmentID)
			}
			if eq.GroupID == "" {
				eq.GroupID = memberGroup[eq.EquipmentID]
			}

			byID[eq.EquipmentID] = eq
			byKey[loc.LocationID+"/"+eq.EquipmentID] = eq
			all = append(all, eq)
		}

		seenGroups := map[string]bool{}
		for _, g := range loc.Groups {
			if g.GroupID == "" {
				return fmt.Errorf("roster: location %s: group without group_id", loc.LocationID)
			}
			if seenGroups[g.GroupID] {
				return fmt.Errorf("roster: location %s: duplicate group %s", loc.LocationID, g.GroupID)
			}
			seenGroups[g.GroupID] = true
			if len(g.Members) < 2 {
				return fmt.Errorf("roster: group %s: needs at least 2 members", g.GroupID)
			}
			g.LocationID = loc.LocationID
			for _, m := range g.Members {
				if _, ok := byKey[loc.LocationID+"/"+m]; !ok {
					return fmt.Errorf("roster: group %s: member %s not in location %s", g.GroupID, m, loc.LocationID)
				}
			}
			groups[loc.LocationID] = append(groups[loc.LocationID], g)
		}
	}
	sort.Strings(locationIDs)

	r.mu.Lock()
	r.all = all
	r.byKey = byKey
	r.byID = byID
	r.groups = groups
	r.locationIDs = locationIDs
	r.mu.Unlock()

	if r.store != nil {
		for _, id := range locationIDs {
			r.store.CachePut(statestore.CacheEquipmentList, id, r.ByLocation(id))
		}
	}
	return nil
}

// All returns the whole fleet.
func (r *Roster) All() []types.Equipment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Equipment, len(r.all))
	copy(out, r.all)
	return out
}

// Find resolves one equipment within a location.
func (r *Roster) Find(locationID, equipmentID string) (types.Equipment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eq, ok := r.byKey[locationID+"/"+equipmentID]
	return eq, ok
}

// FindByID resolves one equipment by its fleet-wide id.
func (r *Roster) FindByID(equipmentID string) (types.Equipment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eq, ok := r.byID[equipmentID]
	return eq, ok
}

// ByLocation returns a location's equipment in file order.
func (r *Roster) ByLocation(locationID string) []types.Equipment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(r.all, func(eq types.Equipment, _ int) bool {
		return eq.LocationID == locationID
	})
}

// GroupsForLocation returns a location's lead-lag groups.
func (r *Roster) GroupsForLocation(locationID string) []types.LeadLagGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.LeadLagGroup, len(r.groups[locationID]))
	copy(out, r.groups[locationID])
	return out
}

// Locations returns the sorted location ids.
func (r *Roster) Locations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.locationIDs))
	copy(out, r.locationIDs)
	return out
}

// Size returns the fleet-wide equipment count.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
