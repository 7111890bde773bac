package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      []*types.Job
	completed []*types.Job
	failed    []failCall
	retried   bool
}

type failCall struct {
	job    *types.Job
	reason string
}

func (f *fakeJobs) Dequeue(ctx context.Context) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeJobs) Complete(ctx context.Context, job *types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job)
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, job *types.Job, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failCall{job: job, reason: reason})
	return f.retried, nil
}

func (f *fakeJobs) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

type writeCall struct {
	commands []metricstore.Command
	opts     metricstore.WriteOptions
}

type fakeGateway struct {
	mu         sync.Mutex
	metrics    scalar.Map
	metricsErr error
	writeErr   error
	writes     []writeCall
}

func (f *fakeGateway) ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error) {
	return f.metrics, f.metricsErr
}

func (f *fakeGateway) WriteCommands(ctx context.Context, equipmentID, locationID string, equipmentType types.EquipmentType, commands []metricstore.Command, opts metricstore.WriteOptions) []metricstore.FieldResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{commands: commands, opts: opts})
	results := make([]metricstore.FieldResult, 0, len(commands))
	for _, c := range commands {
		results = append(results, metricstore.FieldResult{Field: c.CommandType, Err: f.writeErr})
	}
	return results
}

type fakeStore struct {
	mu          sync.Mutex
	settings    *types.EquipmentSettings
	algoState   map[string]interface{}
	ops         []string
	putSettings []*types.EquipmentSettings
	putStates   []map[string]interface{}
	statuses    []*types.JobStatus
}

func (f *fakeStore) GetSettings(ctx context.Context, locationID, equipmentID string) (*types.EquipmentSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) PutSettings(ctx context.Context, locationID, equipmentID string, settings *types.EquipmentSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "putSettings")
	f.putSettings = append(f.putSettings, settings)
	return nil
}

func (f *fakeStore) GetAlgoState(ctx context.Context, locationID, equipmentID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.algoState, nil
}

func (f *fakeStore) PutAlgoState(ctx context.Context, locationID, equipmentID string, state map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "putAlgoState")
	f.putStates = append(f.putStates, state)
	return nil
}

func (f *fakeStore) PutStatus(ctx context.Context, jobID string, status *types.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "status:"+string(status.Status))
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) lastStatus(t *testing.T) *types.JobStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		t.Fatalf("no status writes recorded")
	}
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeStore) opIndex(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.ops {
		if o == op {
			return i
		}
	}
	return -1
}

type fakeFleet struct {
	equipment map[string]types.Equipment
}

func (f *fakeFleet) Find(locationID, equipmentID string) (types.Equipment, bool) {
	eq, ok := f.equipment[locationID+"/"+equipmentID]
	return eq, ok
}

type recordedJob struct {
	locationID    string
	equipmentType string
	outcome       string
}

type recordedWrite struct {
	source string
	status string
	n      int
}

type fakeRecorder struct {
	mu          sync.Mutex
	started     int
	finished    int
	jobs        []recordedJob
	safetyTrips []string
	writes      []recordedWrite
}

func (f *fakeRecorder) JobStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeRecorder) JobFinished() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
}

func (f *fakeRecorder) RecordJob(locationID, equipmentType, outcome string, seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, recordedJob{locationID: locationID, equipmentType: equipmentType, outcome: outcome})
}

func (f *fakeRecorder) RecordSafetyTrip(equipmentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safetyTrips = append(f.safetyTrips, equipmentType)
}

func (f *fakeRecorder) RecordCommandWrites(source, status string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{source: source, status: status, n: n})
}

type stubAlgo struct {
	mu     sync.Mutex
	calls  int
	inputs []control.Inputs
	result control.Result
	err    error
	panics bool
}

func (s *stubAlgo) Name() string { return "stub" }

func (s *stubAlgo) Evaluate(in control.Inputs) (control.Result, error) {
	s.mu.Lock()
	s.calls++
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	if s.panics {
		panic("stub exploded")
	}
	return s.result, s.err
}

func (s *stubAlgo) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPool(t *testing.T, algo control.Algorithm) (*Pool, *fakeJobs, *fakeGateway, *fakeStore) {
	t.Helper()
	reg := control.NewRegistry()
	if algo != nil {
		if err := reg.Register(string(types.TypeAirHandler), algo); err != nil {
			t.Fatalf("Register() = %v", err)
		}
	}
	jobs := &fakeJobs{}
	gw := &fakeGateway{metrics: scalar.Map{
		"roomTemp":   scalar.Num(71),
		"supplyTemp": scalar.Num(58),
	}}
	store := &fakeStore{}
	fleet := &fakeFleet{equipment: map[string]types.Equipment{
		"L1/AH1": {EquipmentID: "AH1", LocationID: "L1", Type: types.TypeAirHandler},
	}}

	p := NewPool(jobs, gw, store, reg, fleet, 2, events.NoopEventLogger())
	p.ctx, p.cancel = context.WithCancel(context.Background())
	t.Cleanup(p.cancel)
	return p, jobs, gw, store
}

func evalJob() *types.Job {
	return &types.Job{
		JobID:       "job-1",
		JobKey:      "L1-AH1-airHandler",
		EquipmentID: "AH1",
		LocationID:  "L1",
		Type:        types.JobTypeEvaluate,
		Equipment:   types.TypeAirHandler,
		Priority:    types.PriorityStale,
		Reason:      "stale",
		Attempts:    1,
	}
}

func commandJob(payload *types.CommandPayload) *types.Job {
	job := evalJob()
	job.JobID = "job-cmd-1"
	job.Type = types.JobTypeCommand
	job.Priority = types.PriorityOperator
	job.Reason = "operator command"
	job.Command = payload
	return job
}

func singleWrite(t *testing.T, gw *fakeGateway) writeCall {
	t.Helper()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(gw.writes))
	}
	return gw.writes[0]
}

func commandValue(t *testing.T, w writeCall, field string) scalar.Scalar {
	t.Helper()
	for _, c := range w.commands {
		if c.CommandType == field {
			return c.Value
		}
	}
	t.Fatalf("command %q not written; got %v", field, commandFields(w))
	return scalar.Scalar{}
}

func commandFields(w writeCall) []string {
	fields := make([]string, 0, len(w.commands))
	for _, c := range w.commands {
		fields = append(fields, c.CommandType)
	}
	return fields
}

func TestProcessJobPublishesAndCompletes(t *testing.T) {
	algo := &stubAlgo{result: control.Result{
		Outputs: map[string]scalar.Scalar{
			"unitEnable":  scalar.Bool(true),
			"fanEnabled":  scalar.Bool(true),
			"fanVFDSpeed": scalar.Num(72.5),
		},
		State: map[string]interface{}{"supplyPID.integral": 4.2},
	}}
	p, jobs, gw, store := newTestPool(t, algo)

	p.processJob(evalJob())

	if jobs.completedCount() != 1 {
		t.Fatalf("completed = %d, want 1", jobs.completedCount())
	}
	if len(jobs.failed) != 0 {
		t.Errorf("failed = %d, want 0", len(jobs.failed))
	}

	w := singleWrite(t, gw)
	if w.opts.Source != "scheduler" {
		t.Errorf("Source = %q, want %q", w.opts.Source, "scheduler")
	}
	if w.opts.Status != "applied" {
		t.Errorf("Status = %q, want %q", w.opts.Status, "applied")
	}
	wantOrder := []string{"fanEnabled", "fanVFDSpeed", "unitEnable"}
	got := commandFields(w)
	if len(got) != len(wantOrder) {
		t.Fatalf("command fields = %v, want %v", got, wantOrder)
	}
	for i, field := range wantOrder {
		if got[i] != field {
			t.Errorf("command[%d] = %q, want %q", i, got[i], field)
		}
	}
	if v, _ := commandValue(t, w, "fanVFDSpeed").Float(); v != 72.5 {
		t.Errorf("fanVFDSpeed = %v, want 72.5", v)
	}

	if len(store.putStates) != 1 {
		t.Fatalf("putAlgoState calls = %d, want 1", len(store.putStates))
	}
	if store.putStates[0]["supplyPID.integral"] != 4.2 {
		t.Errorf("stored state = %v, want integral 4.2", store.putStates[0])
	}

	if store.statuses[0].Status != types.StatusProcessing {
		t.Errorf("first status = %q, want processing", store.statuses[0].Status)
	}
	last := store.lastStatus(t)
	if last.Status != types.StatusCompleted {
		t.Errorf("last status = %q, want completed", last.Status)
	}
	if last.Result["fieldsWritten"] != 3 {
		t.Errorf("fieldsWritten = %v, want 3", last.Result["fieldsWritten"])
	}
}

func TestProcessJobDefaultsSettingsWhenMissing(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	p, _, _, _ := newTestPool(t, algo)

	p.processJob(evalJob())

	if algo.callCount() != 1 {
		t.Fatalf("evaluate calls = %d, want 1", algo.callCount())
	}
	in := algo.inputs[0]
	if in.Settings == nil || !in.Settings.Enabled {
		t.Errorf("missing settings should default to enabled, got %+v", in.Settings)
	}
	if in.TempHint != 71 {
		t.Errorf("TempHint = %v, want 71 (room temperature)", in.TempHint)
	}
	if in.Equipment.Type != types.TypeAirHandler {
		t.Errorf("Equipment.Type = %q, want airHandler", in.Equipment.Type)
	}
	if in.Now.IsZero() {
		t.Errorf("Now not set on algorithm inputs")
	}
}

func TestProcessJobCommandAppliesSettings(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	p, jobs, gw, store := newTestPool(t, algo)
	store.settings = &types.EquipmentSettings{Enabled: true, LastModified: "2026-08-24T10:00:00Z"}

	p.processJob(commandJob(&types.CommandPayload{
		Command: "updateSettings",
		Settings: map[string]interface{}{
			"temperatureSetpoint": 68.0,
			"enabled":             false,
		},
		UserName: "pat",
	}))

	if jobs.completedCount() != 1 {
		t.Fatalf("completed = %d, want 1", jobs.completedCount())
	}

	w := singleWrite(t, gw)
	if w.opts.Source != "ui" {
		t.Errorf("Source = %q, want %q", w.opts.Source, "ui")
	}

	if len(store.putSettings) != 1 {
		t.Fatalf("putSettings calls = %d, want 1", len(store.putSettings))
	}
	saved := store.putSettings[0]
	if saved.TemperatureSetpoint == nil || *saved.TemperatureSetpoint != 68 {
		t.Errorf("TemperatureSetpoint = %v, want 68", saved.TemperatureSetpoint)
	}
	if saved.Enabled {
		t.Errorf("Enabled = true, want false")
	}
	if saved.ModifiedBy != "pat" {
		t.Errorf("ModifiedBy = %q, want %q", saved.ModifiedBy, "pat")
	}
	if !types.StampAfter(saved.LastModified, "2026-08-24T10:00:00Z") {
		t.Errorf("LastModified %q did not advance past the previous stamp", saved.LastModified)
	}

	// Dashboards polling the status must see the new settings already
	// applied, so the settings write precedes the completed status.
	settingsAt := store.opIndex("putSettings")
	completedAt := store.opIndex("status:completed")
	if settingsAt == -1 || completedAt == -1 || settingsAt > completedAt {
		t.Errorf("op order = %v, want putSettings before status:completed", store.ops)
	}

	// The algorithm evaluated against the post-command settings.
	in := algo.inputs[0]
	if in.Settings.TemperatureSetpoint == nil || *in.Settings.TemperatureSetpoint != 68 {
		t.Errorf("algorithm saw setpoint %v, want 68", in.Settings.TemperatureSetpoint)
	}
}

func TestProcessJobEmergencyShutdown(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	p, jobs, gw, store := newTestPool(t, algo)
	store.settings = &types.EquipmentSettings{Enabled: true}

	p.processJob(commandJob(&types.CommandPayload{Command: types.EmergencyShutdown, UserName: "pat"}))

	if algo.callCount() != 0 {
		t.Errorf("evaluate calls = %d, want 0 (shutdown bypasses the algorithm)", algo.callCount())
	}
	if jobs.completedCount() != 1 {
		t.Fatalf("completed = %d, want 1", jobs.completedCount())
	}

	w := singleWrite(t, gw)
	if w.opts.Status != "safety" {
		t.Errorf("Status = %q, want %q", w.opts.Status, "safety")
	}
	if w.opts.Source != "ui" {
		t.Errorf("Source = %q, want %q", w.opts.Source, "ui")
	}
	if v, _ := commandValue(t, w, "fanEnabled").Boolean(); v {
		t.Errorf("fanEnabled = true, want false")
	}
	if v, _ := commandValue(t, w, "heatingValvePosition").Float(); v != 100 {
		t.Errorf("heatingValvePosition = %v, want 100", v)
	}
	if v, _ := commandValue(t, w, "unitEnable").Boolean(); v {
		t.Errorf("unitEnable = true, want false")
	}

	if len(store.putSettings) != 1 {
		t.Fatalf("putSettings calls = %d, want 1", len(store.putSettings))
	}
	if store.putSettings[0].Enabled {
		t.Errorf("Enabled still true after emergency shutdown")
	}
}

func TestProcessJobPanicPublishesSafeStateAndRetries(t *testing.T) {
	algo := &stubAlgo{panics: true}
	p, jobs, gw, store := newTestPool(t, algo)
	jobs.retried = true

	p.processJob(evalJob())

	if jobs.completedCount() != 0 {
		t.Errorf("completed = %d, want 0", jobs.completedCount())
	}
	if len(jobs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(jobs.failed))
	}
	if !strings.Contains(jobs.failed[0].reason, "panic") {
		t.Errorf("fail reason = %q, want mention of panic", jobs.failed[0].reason)
	}

	w := singleWrite(t, gw)
	if w.opts.Status != "safety" {
		t.Errorf("Status = %q, want %q", w.opts.Status, "safety")
	}
	if v, _ := commandValue(t, w, "fanEnabled").Boolean(); v {
		t.Errorf("fanEnabled = true, want false after fault")
	}

	last := store.lastStatus(t)
	if last.Status != types.StatusQueued {
		t.Errorf("last status = %q, want queued (retry pending)", last.Status)
	}
	if !strings.HasPrefix(last.Message, "retry: ") {
		t.Errorf("status message = %q, want retry prefix", last.Message)
	}
}

func TestProcessJobExhaustedAttemptsMarkFailed(t *testing.T) {
	algo := &stubAlgo{err: errors.New("sensor bus offline")}
	p, jobs, _, store := newTestPool(t, algo)
	jobs.retried = false

	job := evalJob()
	job.Attempts = 3
	p.processJob(job)

	if len(jobs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(jobs.failed))
	}
	last := store.lastStatus(t)
	if last.Status != types.StatusFailed {
		t.Errorf("last status = %q, want failed", last.Status)
	}
	if !strings.Contains(last.Message, "sensor bus offline") {
		t.Errorf("status message = %q, want underlying error", last.Message)
	}
}

func TestProcessJobSafetyResultTagsWrites(t *testing.T) {
	algo := &stubAlgo{result: control.Result{
		Outputs:      control.SafeState(types.TypeAirHandler),
		Safety:       true,
		SafetyReason: "freezestat",
	}}
	p, jobs, gw, _ := newTestPool(t, algo)

	p.processJob(evalJob())

	// A safety trip is a successful evaluation, not a failure.
	if jobs.completedCount() != 1 {
		t.Fatalf("completed = %d, want 1", jobs.completedCount())
	}
	w := singleWrite(t, gw)
	if w.opts.Status != "safety" {
		t.Errorf("Status = %q, want %q", w.opts.Status, "safety")
	}
}

func TestProcessJobRecordsTelemetry(t *testing.T) {
	algo := &stubAlgo{result: control.Result{
		Outputs:      control.SafeState(types.TypeAirHandler),
		Safety:       true,
		SafetyReason: "freezestat",
	}}
	p, _, _, _ := newTestPool(t, algo)
	rec := &fakeRecorder{}
	p.SetCollector(rec)

	p.processJob(evalJob())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.started != 1 || rec.finished != 1 {
		t.Errorf("started/finished = %d/%d, want 1/1", rec.started, rec.finished)
	}
	if len(rec.jobs) != 1 {
		t.Fatalf("recorded jobs = %d, want 1", len(rec.jobs))
	}
	got := rec.jobs[0]
	if got.outcome != "completed" || got.locationID != "L1" || got.equipmentType != "airHandler" {
		t.Errorf("recorded job = %+v, want L1/airHandler completed", got)
	}
	if len(rec.safetyTrips) != 1 || rec.safetyTrips[0] != "airHandler" {
		t.Errorf("safety trips = %v, want [airHandler]", rec.safetyTrips)
	}
	if len(rec.writes) != 1 || rec.writes[0].status != "safety" || rec.writes[0].n == 0 {
		t.Errorf("command writes = %+v, want one safety write", rec.writes)
	}
}

func TestProcessJobRecordsFailureOutcome(t *testing.T) {
	algo := &stubAlgo{err: errors.New("sensor disagreement")}
	p, _, _, _ := newTestPool(t, algo)
	rec := &fakeRecorder{}
	p.SetCollector(rec)

	p.processJob(evalJob())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.jobs) != 1 || rec.jobs[0].outcome != "failed" {
		t.Fatalf("recorded jobs = %+v, want one failed", rec.jobs)
	}
	if rec.started != 1 || rec.finished != 1 {
		t.Errorf("started/finished = %d/%d, want 1/1", rec.started, rec.finished)
	}
}

func TestProcessJobDropsNonWhitelistedFields(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{
		"fanEnabled":     scalar.Bool(true),
		"bogusCoilTurbo": scalar.Num(50),
	}}}
	p, _, gw, store := newTestPool(t, algo)

	p.processJob(evalJob())

	w := singleWrite(t, gw)
	for _, field := range commandFields(w) {
		if field == "bogusCoilTurbo" {
			t.Errorf("non-whitelisted field was written: %v", commandFields(w))
		}
	}
	last := store.lastStatus(t)
	dropped, _ := last.Result["droppedFields"].([]string)
	if len(dropped) != 1 || dropped[0] != "bogusCoilTurbo" {
		t.Errorf("droppedFields = %v, want [bogusCoilTurbo]", last.Result["droppedFields"])
	}
}

func TestProcessJobAllWritesFailedRetries(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	p, jobs, gw, _ := newTestPool(t, algo)
	gw.writeErr = errors.New("influx down")
	jobs.retried = true

	p.processJob(evalJob())

	if jobs.completedCount() != 0 {
		t.Errorf("completed = %d, want 0", jobs.completedCount())
	}
	if len(jobs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(jobs.failed))
	}
	if !strings.Contains(jobs.failed[0].reason, "write commands") {
		t.Errorf("fail reason = %q, want write commands error", jobs.failed[0].reason)
	}
}

func TestProcessJobMetricsErrorFails(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	p, jobs, gw, _ := newTestPool(t, algo)
	gw.metricsErr = errors.New("influx query timeout")

	p.processJob(evalJob())

	if len(jobs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(jobs.failed))
	}
	gw.mu.Lock()
	writes := len(gw.writes)
	gw.mu.Unlock()
	if writes != 0 {
		t.Errorf("writes = %d, want 0 when inputs are unreadable", writes)
	}
}

func TestNewPoolClampsConcurrency(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 2},
		{1, 2},
		{3, 3},
		{9, 4},
	}
	for _, tt := range tests {
		p := NewPool(&fakeJobs{}, &fakeGateway{}, &fakeStore{}, control.NewRegistry(), &fakeFleet{}, tt.in, nil)
		if p.concurrency != tt.want {
			t.Errorf("NewPool(concurrency=%d) = %d, want %d", tt.in, p.concurrency, tt.want)
		}
	}
}

func TestPoolStartDrainsQueue(t *testing.T) {
	algo := &stubAlgo{result: control.Result{Outputs: map[string]scalar.Scalar{"unitEnable": scalar.Bool(true)}}}
	reg := control.NewRegistry()
	if err := reg.Register(string(types.TypeAirHandler), algo); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	jobs := &fakeJobs{jobs: []*types.Job{evalJob()}}
	gw := &fakeGateway{metrics: scalar.Map{"roomTemp": scalar.Num(70)}}
	fleet := &fakeFleet{equipment: map[string]types.Equipment{
		"L1/AH1": {EquipmentID: "AH1", LocationID: "L1", Type: types.TypeAirHandler},
	}}
	p := NewPool(jobs, gw, &fakeStore{}, reg, fleet, 2, events.NoopEventLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for jobs.completedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if jobs.completedCount() != 1 {
		t.Fatalf("completed = %d, want 1", jobs.completedCount())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Start() after Stop = %v, want ErrPoolClosed", err)
	}
}
