// Package statestore is the shared-state layer on Redis: equipment
// settings, job status records, control algorithm state, lead-lag group
// rows, and the advisory locks that serialize batch runs and rotations.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/types"
)

const (
	settingsKeyPrefix = "atrium:settings:"
	statusKeyPrefix   = "atrium:jobstatus:"
	algoKeyPrefix     = "atrium:algostate:"
	leadlagKeyPrefix  = "atrium:leadlag:"
	lockKeyPrefix     = "atrium:lock:"
	batchRunKey       = "atrium:batchrun:last"
)

var (
	ErrNilSettings = errors.New("statestore: nil settings")
	ErrNilStatus   = errors.New("statestore: nil status")
)

// Store wraps one Redis connection pool plus the in-process caches.
type Store struct {
	rdb       redis.UniversalClient
	statusTTL time.Duration
	caches    *cacheSet
}

// New connects to the configured Redis endpoint.
func New(cfg *config.Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	return NewWithClient(rdb)
}

// NewWithClient wraps an existing client. Tests pass one pointed at
// miniredis.
func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb:       rdb,
		statusTTL: config.DefaultJobStatusTTL,
		caches:    newCacheSet(),
	}
}

// Client exposes the underlying connection for sibling packages sharing
// the pool (queue, batch).
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func settingsKey(locationID, equipmentID string) string {
	return fmt.Sprintf("%s%s:%s", settingsKeyPrefix, locationID, equipmentID)
}

// GetSettings returns the stored settings for one equipment, or nil when
// none have ever been written.
func (s *Store) GetSettings(ctx context.Context, locationID, equipmentID string) (*types.EquipmentSettings, error) {
	raw, err := s.rdb.Get(ctx, settingsKey(locationID, equipmentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: get settings: %w", err)
	}

	var settings types.EquipmentSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("statestore: decode settings: %w", err)
	}
	return &settings, nil
}

// PutSettings stores the settings record. LastModified is kept strictly
// increasing: a stamp at or before the stored one is re-stamped before
// the write, so read-modify-write races never roll the clock back.
func (s *Store) PutSettings(ctx context.Context, locationID, equipmentID string, settings *types.EquipmentSettings) error {
	if settings == nil {
		return ErrNilSettings
	}

	current, err := s.GetSettings(ctx, locationID, equipmentID)
	if err != nil {
		return err
	}
	prev := ""
	if current != nil {
		prev = current.LastModified
	}
	if settings.LastModified == "" || (prev != "" && !types.StampAfter(settings.LastModified, prev)) {
		settings.Touch(prev, settings.ModifiedBy)
	}

	buf, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("statestore: encode settings: %w", err)
	}
	if err := s.rdb.Set(ctx, settingsKey(locationID, equipmentID), buf, 0).Err(); err != nil {
		return fmt.Errorf("statestore: put settings: %w", err)
	}
	return nil
}

// SettingsWrite pairs one equipment id with its new settings record.
type SettingsWrite struct {
	EquipmentID string
	Settings    *types.EquipmentSettings
}

// PutSettingsPair applies all writes in one MULTI/EXEC so a lead-lag
// rotation can never be observed half-flipped (two leads, or none).
// Monotonic LastModified is enforced per record, same as PutSettings.
func (s *Store) PutSettingsPair(ctx context.Context, locationID string, writes ...SettingsWrite) error {
	if len(writes) == 0 {
		return nil
	}

	payloads := make(map[string][]byte, len(writes))
	for _, w := range writes {
		if w.Settings == nil {
			return ErrNilSettings
		}
		current, err := s.GetSettings(ctx, locationID, w.EquipmentID)
		if err != nil {
			return err
		}
		prev := ""
		if current != nil {
			prev = current.LastModified
		}
		if w.Settings.LastModified == "" || (prev != "" && !types.StampAfter(w.Settings.LastModified, prev)) {
			w.Settings.Touch(prev, w.Settings.ModifiedBy)
		}
		buf, err := json.Marshal(w.Settings)
		if err != nil {
			return fmt.Errorf("statestore: encode settings: %w", err)
		}
		payloads[settingsKey(locationID, w.EquipmentID)] = buf
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, buf := range payloads {
			pipe.Set(ctx, key, buf, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("statestore: put settings pair: %w", err)
	}
	return nil
}

// PutStatus stores a short-lived job status record for dashboard polling.
func (s *Store) PutStatus(ctx context.Context, jobID string, status *types.JobStatus) error {
	if status == nil {
		return ErrNilStatus
	}
	if status.UpdatedAtMs == 0 {
		status.UpdatedAtMs = time.Now().UnixMilli()
	}

	buf, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("statestore: encode status: %w", err)
	}
	if err := s.rdb.Set(ctx, statusKeyPrefix+jobID, buf, s.statusTTL).Err(); err != nil {
		return fmt.Errorf("statestore: put status: %w", err)
	}
	return nil
}

// GetStatus returns the job status, or nil once it has expired.
func (s *Store) GetStatus(ctx context.Context, jobID string) (*types.JobStatus, error) {
	raw, err := s.rdb.Get(ctx, statusKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: get status: %w", err)
	}

	var status types.JobStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("statestore: decode status: %w", err)
	}
	return &status, nil
}

func algoKey(locationID, equipmentID string) string {
	return fmt.Sprintf("%s%s:%s", algoKeyPrefix, locationID, equipmentID)
}

// GetAlgoState returns the persisted control-algorithm state for one
// equipment (cycling counters, stage timers). Missing state is an empty
// map, never nil.
func (s *Store) GetAlgoState(ctx context.Context, locationID, equipmentID string) (map[string]interface{}, error) {
	raw, err := s.rdb.Get(ctx, algoKey(locationID, equipmentID)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: get algo state: %w", err)
	}

	state := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("statestore: decode algo state: %w", err)
	}
	return state, nil
}

// PutAlgoState persists the state map returned by an algorithm run.
func (s *Store) PutAlgoState(ctx context.Context, locationID, equipmentID string, state map[string]interface{}) error {
	if len(state) == 0 {
		if err := s.rdb.Del(ctx, algoKey(locationID, equipmentID)).Err(); err != nil {
			return fmt.Errorf("statestore: clear algo state: %w", err)
		}
		return nil
	}

	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("statestore: encode algo state: %w", err)
	}
	if err := s.rdb.Set(ctx, algoKey(locationID, equipmentID), buf, 0).Err(); err != nil {
		return fmt.Errorf("statestore: put algo state: %w", err)
	}
	return nil
}

// PutBatchRunStamp records when a fleet pass last started. The cron
// endpoint reports the stamp's age on passes skipped for lock
// contention.
func (s *Store) PutBatchRunStamp(ctx context.Context, t time.Time) error {
	if err := s.rdb.Set(ctx, batchRunKey, t.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("statestore: put batch run stamp: %w", err)
	}
	return nil
}

// GetBatchRunStamp returns the last pass start, zero when no pass has
// ever recorded one.
func (s *Store) GetBatchRunStamp(ctx context.Context) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, batchRunKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("statestore: get batch run stamp: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("statestore: decode batch run stamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func leadlagKey(locationID, groupID string) string {
	return fmt.Sprintf("%s%s:%s", leadlagKeyPrefix, locationID, groupID)
}

// GetLeadLagGroup returns the stored rotation state for a group, or nil
// when the group has never been initialized.
func (s *Store) GetLeadLagGroup(ctx context.Context, locationID, groupID string) (*types.LeadLagGroup, error) {
	raw, err := s.rdb.Get(ctx, leadlagKey(locationID, groupID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: get leadlag group: %w", err)
	}

	var group types.LeadLagGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return nil, fmt.Errorf("statestore: decode leadlag group: %w", err)
	}
	return &group, nil
}

// PutLeadLagGroup stores the rotation state row for a group.
func (s *Store) PutLeadLagGroup(ctx context.Context, group *types.LeadLagGroup) error {
	if group == nil {
		return errors.New("statestore: nil group")
	}

	buf, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("statestore: encode leadlag group: %w", err)
	}
	if err := s.rdb.Set(ctx, leadlagKey(group.LocationID, group.GroupID), buf, 0).Err(); err != nil {
		return fmt.Errorf("statestore: put leadlag group: %w", err)
	}
	return nil
}
