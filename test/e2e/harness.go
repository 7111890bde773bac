// Package e2e wires the full control plane (Redis-backed state and
// queues, the time-series gateway, worker pools, lead-lag, and the HTTP
// surface) against in-process fakes and replays the operator-visible
// scenarios end to end.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	influx "github.com/influxdata/influxdb1-client/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atriumbms/atrium/internal/api"
	"github.com/atriumbms/atrium/internal/auth"
	"github.com/atriumbms/atrium/internal/batch"
	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/influxtest"
	"github.com/atriumbms/atrium/internal/leadlag"
	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/queue"
	"github.com/atriumbms/atrium/internal/roster"
	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/types"
	"github.com/atriumbms/atrium/internal/worker"
)

const testSecret = "e2e-action-secret"

// stack is one fully wired control plane over miniredis and influxtest.
type stack struct {
	t *testing.T

	state    *statestore.Store
	influx   *influxtest.Server
	metrics  *metricstore.Store
	queues   *queue.Manager
	registry *control.Registry
	fleet    *roster.Roster
	rotation *leadlag.Manager
	runner   *batch.Runner
	server   *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	pools  []*worker.Pool
}

// newStack builds the control plane for the given roster. Worker pools
// are started only when withWorkers is set, so queue-level assertions
// stay deterministic in tests that inspect waiting jobs.
func newStack(t *testing.T, file roster.File, withWorkers bool) *stack {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	state := statestore.NewWithClient(rdb)

	influxSrv, influxCleanup, err := influxtest.StartTestServer()
	if err != nil {
		t.Fatalf("start influxtest: %v", err)
	}
	t.Cleanup(influxCleanup)

	ic, err := influx.NewHTTPClient(influx.HTTPConfig{Addr: influxSrv.URL()})
	if err != nil {
		t.Fatalf("influx client: %v", err)
	}
	t.Cleanup(func() { ic.Close() })
	metricStore := metricstore.NewWithClient(ic, "atrium")

	fleet, err := roster.FromFile(file)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}

	log := events.NoopEventLogger()
	queues := queue.NewManager(rdb)
	registry := control.NewDefaultRegistry()
	rotation := leadlag.New(state, metricStore, queues, fleet, log)
	runner := batch.New(state, gate.New(metricStore, state, log), queues, fleet, rotation, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &stack{
		t:        t,
		state:    state,
		influx:   influxSrv,
		metrics:  metricStore,
		queues:   queues,
		registry: registry,
		fleet:    fleet,
		rotation: rotation,
		runner:   runner,
		ctx:      ctx,
		cancel:   cancel,
	}

	if withWorkers {
		for _, loc := range fleet.Locations() {
			pool := worker.NewPool(queues.ForLocation(loc), metricStore, state, registry, fleet, 2, log)
			if err := pool.Start(ctx); err != nil {
				t.Fatalf("start pool %s: %v", loc, err)
			}
			s.pools = append(s.pools, pool)
			t.Cleanup(func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				pool.Stop(stopCtx)
			})
		}
	}

	server := api.NewServer("127.0.0.1:0")
	server.SetStateStore(state)
	server.SetQueue(queues)
	server.SetFleet(fleet)
	server.SetMetricSource(metricStore)
	server.SetBatchRunner(runner)
	server.SetAuthConfig(auth.SecretKeyConfig(testSecret))
	if err := server.Start(); err != nil {
		t.Fatalf("start api server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	})
	s.server = server

	return s
}

// seedMetrics publishes one sample row for an equipment.
func (s *stack) seedMetrics(eq types.Equipment, fields map[string]interface{}) {
	s.t.Helper()
	s.influx.Seed(metricstore.MeasurementMetrics, map[string]string{
		"equipmentId":    eq.EquipmentID,
		"locationId":     eq.LocationID,
		"equipment_type": string(eq.Type),
	}, fields, time.Now())
}

// commandRows returns the audit-table rows written for one equipment,
// keyed by command_type.
func (s *stack) commandRows(equipmentID string) map[string]influxtest.Point {
	rows := map[string]influxtest.Point{}
	for _, pt := range s.influx.Points(metricstore.MeasurementCommands) {
		if pt.Tags["equipment_id"] == equipmentID {
			rows[pt.Tags["command_type"]] = pt
		}
	}
	return rows
}

func (s *stack) get(path string) (*http.Response, []byte) {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL()+path, nil)
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	return s.do(req)
}

func (s *stack) post(path string, body interface{}) (*http.Response, []byte) {
	s.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		s.t.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.server.URL()+path, bytes.NewReader(payload))
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *stack) do(req *http.Request) (*http.Response, []byte) {
	s.t.Helper()
	req.Header.Set("X-Action-Secret", testSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read response: %v", err)
	}
	return resp, body
}

// waitJobStatus polls the status endpoint until the job reaches a
// terminal state or the deadline passes.
func (s *stack) waitJobStatus(equipmentID, jobID string, want types.JobStatusState, timeout time.Duration) types.JobStatus {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	var last types.JobStatus
	for time.Now().Before(deadline) {
		resp, body := s.get(fmt.Sprintf("/equipment/%s/status/%s", equipmentID, jobID))
		if resp.StatusCode == http.StatusOK {
			var status struct {
				types.JobStatus
			}
			if err := json.Unmarshal(body, &status); err != nil {
				s.t.Fatalf("decode status: %v", err)
			}
			last = status.JobStatus
			if last.Status == want {
				return last
			}
			if last.Status == types.StatusFailed && want != types.StatusFailed {
				s.t.Fatalf("job %s failed: %s", jobID, last.Message)
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	s.t.Fatalf("job %s never reached %q (last %q %q)", jobID, want, last.Status, last.Message)
	return last
}

// singleLocationRoster is the minimal fleet most scenarios need.
func singleLocationRoster(eqs ...types.Equipment) roster.File {
	byLoc := map[string][]types.Equipment{}
	var order []string
	for _, eq := range eqs {
		if _, ok := byLoc[eq.LocationID]; !ok {
			order = append(order, eq.LocationID)
		}
		byLoc[eq.LocationID] = append(byLoc[eq.LocationID], eq)
	}
	var file roster.File
	for _, loc := range order {
		file.Locations = append(file.Locations, roster.Location{
			LocationID: loc,
			Equipment:  byLoc[loc],
		})
	}
	return file
}
