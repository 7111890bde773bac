package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/otel"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// processJob runs one job end to end under its category timeout. Queue
// bookkeeping (Complete/Fail) runs on the pool context so a job that
// timed out can still be failed properly.
func (p *Pool) processJob(job *types.Job) {
	eq := p.lookupEquipment(job)

	ctx, cancel := context.WithTimeout(p.ctx, eq.CleanupTimeout())
	defer cancel()

	ctx, span := p.tracer.StartJobSpan(ctx, otel.JobSpanOptions{
		RequestID:     job.RequestID,
		LocationID:    job.LocationID,
		EquipmentID:   job.EquipmentID,
		EquipmentType: string(eq.Type),
		JobType:       string(job.Type),
		Reason:        job.Reason,
	})
	defer span.End()

	if p.collector != nil {
		p.collector.JobStarted()
		defer p.collector.JobFinished()
	}

	start := p.now()
	p.putStatus(ctx, job, types.StatusProcessing, job.Reason, nil)

	fields, err := p.runJob(ctx, job, eq)
	if err != nil {
		reason := err.Error()
		errType := "fault"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
			errType = "timeout"
		}
		otel.RecordError(span, err, errType, true)
		if p.collector != nil {
			p.collector.RecordJob(job.LocationID, string(eq.Type), "failed", p.now().Sub(start).Seconds())
		}
		p.failJob(job, reason)
		return
	}

	if err := p.queue.Complete(p.ctx, job); err != nil {
		p.log.LogQueueError("complete", err)
	}
	if p.collector != nil {
		p.collector.RecordJob(job.LocationID, string(eq.Type), "completed", p.now().Sub(start).Seconds())
	}
	p.log.LogJobCompleted(job.JobID, job.JobKey, p.now().Sub(start).Milliseconds(), fields)
}

func (p *Pool) runJob(ctx context.Context, job *types.Job, eq types.Equipment) (int, error) {
	// 1. Resolve the algorithm.
	algo, ok := p.registry.Resolve(job.LocationID, eq.Type, job.EquipmentID)
	if !ok {
		return 0, fmt.Errorf("no algorithm for %s", job.JobKey)
	}

	// 2. Gather inputs.
	metrics, err := p.metrics.ReadLatestMetrics(ctx, job.EquipmentID, job.LocationID, config.DefaultMetricWindow)
	if err != nil {
		return 0, fmt.Errorf("read metrics: %w", err)
	}
	settings, err := p.state.GetSettings(ctx, job.LocationID, job.EquipmentID)
	if err != nil {
		return 0, fmt.Errorf("read settings: %w", err)
	}
	if settings == nil {
		settings = &types.EquipmentSettings{Enabled: true}
	}
	algoState, err := p.state.GetAlgoState(ctx, job.LocationID, job.EquipmentID)
	if err != nil {
		return 0, fmt.Errorf("read algorithm state: %w", err)
	}

	settingsDirty := false
	source := "scheduler"
	if job.Type == types.JobTypeCommand && job.Command != nil {
		applyCommand(settings, job.Command)
		settingsDirty = true
		source = "ui"

		// 3. Emergency shutdown publishes the safe state directly; the
		// algorithm is not consulted.
		if job.Command.Command == types.EmergencyShutdown {
			settings.Enabled = false
			res := control.SafeResult(eq.Type, algoState, "emergency shutdown")
			return p.publish(ctx, job, eq, settings, true, res, source)
		}
	}

	// 4. Evaluate. A faulting algorithm degrades to the safe state: the
	// safe commands still go out, but the job is handed to the retry
	// path rather than completed.
	res, evalErr := evaluate(algo, control.Inputs{
		Equipment: eq,
		Metrics:   metrics,
		Settings:  settings,
		TempHint:  tempHintFor(eq, metrics),
		State:     algoState,
		Now:       p.now(),
	})
	if evalErr != nil {
		safe := control.SafeResult(eq.Type, algoState, "algorithm fault")
		if _, err := p.writeOutputs(ctx, job, eq, safe, source); err != nil {
			return 0, fmt.Errorf("safe-state publish after fault: %w (fault: %v)", err, evalErr)
		}
		return 0, fmt.Errorf("evaluate: %w", evalErr)
	}

	return p.publish(ctx, job, eq, settings, settingsDirty, res, source)
}

// writeReport summarizes one command write for the job status record.
type writeReport struct {
	written   int
	dropped   []string
	fieldErrs []string
}

// writeOutputs clamps outputs to the type whitelist and emits them. An
// error is returned only when every field failed; partial failures are
// reported but the write counts as applied.
func (p *Pool) writeOutputs(ctx context.Context, job *types.Job, eq types.Equipment, res control.Result, source string) (writeReport, error) {
	kept, dropped := control.FilterOutputs(eq.Type, res.Outputs)
	commands := commandsFromOutputs(kept)

	status := "applied"
	if res.Safety {
		status = "safety"
		p.log.LogSafetyTrigger(job.EquipmentID, res.SafetyReason, 0)
		if p.collector != nil {
			p.collector.RecordSafetyTrip(string(eq.Type))
		}
	}

	results := p.metrics.WriteCommands(ctx, job.EquipmentID, job.LocationID, eq.Type, commands, metricstore.WriteOptions{
		Source: source,
		Status: status,
	})
	report := writeReport{dropped: dropped}
	for _, r := range results {
		if r.Err != nil {
			report.fieldErrs = append(report.fieldErrs, r.Field+": "+r.Err.Error())
		} else {
			report.written++
		}
	}
	if p.collector != nil && report.written > 0 {
		p.collector.RecordCommandWrites(source, status, report.written)
	}
	if len(commands) > 0 && report.written == 0 {
		return report, fmt.Errorf("write commands: %s", strings.Join(report.fieldErrs, "; "))
	}
	return report, nil
}

// publish writes the outputs, persists the scratchpad, applies settings,
// and marks the job status completed, in that order, so UI polling
// never sees a completed job with stale settings.
func (p *Pool) publish(ctx context.Context, job *types.Job, eq types.Equipment, settings *types.EquipmentSettings, settingsDirty bool, res control.Result, source string) (int, error) {
	report, err := p.writeOutputs(ctx, job, eq, res, source)
	if err != nil {
		return 0, err
	}

	if err := p.state.PutAlgoState(ctx, job.LocationID, job.EquipmentID, res.State); err != nil {
		return 0, fmt.Errorf("put algorithm state: %w", err)
	}

	// Settings land before the completed status.
	if settingsDirty {
		if err := p.state.PutSettings(ctx, job.LocationID, job.EquipmentID, settings); err != nil {
			return 0, fmt.Errorf("put settings: %w", err)
		}
	}

	result := map[string]interface{}{
		"fieldsWritten": report.written,
		"safety":        res.Safety,
	}
	if res.SafetyReason != "" {
		result["safetyReason"] = res.SafetyReason
	}
	if len(report.dropped) > 0 {
		result["droppedFields"] = report.dropped
	}
	if len(report.fieldErrs) > 0 {
		result["fieldErrors"] = report.fieldErrs
	}
	if len(res.Diagnostics) > 0 {
		result["diagnostics"] = res.Diagnostics
	}
	p.putStatus(ctx, job, types.StatusCompleted, "", result)
	return report.written, nil
}

// failJob records the failure against both the queue and the status
// record. Runs on the pool context: the job context may already be dead.
func (p *Pool) failJob(job *types.Job, reason string) {
	retried, err := p.queue.Fail(p.ctx, job, reason)
	if err != nil {
		p.log.LogQueueError("fail", err)
	}
	if retried {
		p.putStatus(p.ctx, job, types.StatusQueued, "retry: "+reason, nil)
		return
	}
	p.putStatus(p.ctx, job, types.StatusFailed, reason, nil)
	p.log.LogJobFailed(job.JobID, job.JobKey, reason, job.Attempts)
}

func (p *Pool) putStatus(ctx context.Context, job *types.Job, state types.JobStatusState, msg string, result map[string]interface{}) {
	if job.JobID == "" {
		return
	}
	err := p.state.PutStatus(ctx, job.JobID, &types.JobStatus{
		Status:  state,
		Message: msg,
		Result:  result,
	})
	if err != nil {
		p.log.LogQueueError("put_status", err)
	}
}

func (p *Pool) lookupEquipment(job *types.Job) types.Equipment {
	if eq, ok := p.roster.Find(job.LocationID, job.EquipmentID); ok {
		return eq
	}
	// Roster lag: the job still carries enough identity to evaluate
	// with the type's stock algorithm.
	return types.Equipment{
		EquipmentID: job.EquipmentID,
		LocationID:  job.LocationID,
		Type:        job.Equipment,
	}
}

// evaluate isolates algorithm panics into errors.
func evaluate(algo control.Algorithm, in control.Inputs) (res control.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm panic: %v", r)
		}
	}()
	return algo.Evaluate(in)
}

// commandsFromOutputs orders the write deterministically by field name.
func commandsFromOutputs(outputs map[string]scalar.Scalar) []metricstore.Command {
	fields := lo.Keys(outputs)
	sort.Strings(fields)
	commands := make([]metricstore.Command, 0, len(fields))
	for _, field := range fields {
		commands = append(commands, metricstore.Command{CommandType: field, Value: outputs[field]})
	}
	return commands
}

// applyCommand folds an operator payload into the settings record and
// restamps it.
func applyCommand(settings *types.EquipmentSettings, cmd *types.CommandPayload) {
	for key, raw := range cmd.Settings {
		switch key {
		case "enabled":
			settings.Enabled = scalar.ParseSafeBoolean(raw, settings.Enabled)
		case "temperatureSetpoint":
			if v := scalar.ParseSafeNumber(raw, math.NaN()); !math.IsNaN(v) {
				settings.TemperatureSetpoint = &v
			}
		case "supplyTempSetpoint":
			if v := scalar.ParseSafeNumber(raw, math.NaN()); !math.IsNaN(v) {
				settings.SupplyTempSetpoint = &v
			}
		case "staticPressureSetpoint":
			if v := scalar.ParseSafeNumber(raw, math.NaN()); !math.IsNaN(v) {
				settings.StaticPressureSetpoint = &v
			}
		case "isLead":
			settings.IsLead = scalar.ParseSafeBoolean(raw, settings.IsLead)
		case "occupied":
			v := scalar.ParseSafeBoolean(raw, false)
			settings.Occupied = &v
		default:
			if settings.Aux == nil {
				settings.Aux = map[string]interface{}{}
			}
			settings.Aux[key] = raw
		}
	}

	by := cmd.UserName
	if by == "" {
		by = cmd.UserID
	}
	settings.Touch(settings.LastModified, by)
}

// tempHintFor resolves the controlled temperature for the equipment's
// category, zero when the reading is absent.
func tempHintFor(eq types.Equipment, m scalar.Map) float64 {
	switch eq.Type {
	case types.TypeBoiler:
		return control.ReadingWaterTemp.Value(m, 0)
	case types.TypeChiller:
		return control.ReadingChilledWater.Value(m, 0)
	case types.TypePump:
		return control.ReadingLoopPressure.Value(m, 0)
	default:
		return control.ReadingRoom.Value(m, 0)
	}
}
