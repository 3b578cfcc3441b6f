package reminder

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/eventbus"
	"arvcare/internal/task/runner"
	"arvcare/pkg/logx"
)

const (
	OrchestratorWorkerName      = "clinical-reminders"
	DefaultReminderInterval     = time.Minute
	DefaultRegimenLookaheadDays = 7
	DefaultApptLookaheadDays    = 7
)

// Sub-task names, in execution order.
const (
	SubtaskRegimenReminders     = "regimen_end_reminders"
	SubtaskCancelPastAppts      = "cancel_past_appointments"
	SubtaskAppointmentReminders = "appointment_reminders"
)

type SubtaskState int

const (
	SubtaskNotStarted SubtaskState = iota
	SubtaskRunning
	SubtaskSucceeded
	SubtaskFailed
	SubtaskSkipped
)

func (s SubtaskState) String() string {
	switch s {
	case SubtaskNotStarted:
		return "not_started"
	case SubtaskRunning:
		return "running"
	case SubtaskSucceeded:
		return "succeeded"
	case SubtaskFailed:
		return "failed"
	case SubtaskSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s SubtaskState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the sub-task is done for this tick.
func (s SubtaskState) Terminal() bool {
	return s == SubtaskSucceeded || s == SubtaskFailed || s == SubtaskSkipped
}

type SubtaskReport struct {
	Name      string        `json:"name"`
	State     SubtaskState  `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	Items     int           `json:"items"`
	Failed    int           `json:"failed"`
	Err       string        `json:"error,omitempty"`
}

type TickReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Cancelled  bool            `json:"cancelled"`
	Subtasks   []SubtaskReport `json:"subtasks"`
}

// Completed reports whether every sub-task ended or was skipped.
func (r TickReport) Completed() bool {
	if len(r.Subtasks) == 0 {
		return false
	}
	for _, st := range r.Subtasks {
		if !st.State.Terminal() {
			return false
		}
	}
	return true
}

type OrchestratorConfig struct {
	Interval                 time.Duration
	Immediate                bool
	RegimenLookaheadDays     int
	AppointmentLookaheadDays int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Interval:                 DefaultReminderInterval,
		Immediate:                true,
		RegimenLookaheadDays:     DefaultRegimenLookaheadDays,
		AppointmentLookaheadDays: DefaultApptLookaheadDays,
	}
}

// subtaskFunc returns the number of items handled and how many of those failed.
type subtaskFunc func(ctx context.Context) (items, failed int, err error)

type subtask struct {
	name string
	run  subtaskFunc
}

// Orchestrator runs the clinical reminder sub-tasks on every tick.
type Orchestrator struct {
	*runner.Runner

	cfg          OrchestratorConfig
	regimens     RegimenReminder
	appointments AppointmentKeeper
	log          logx.Logger
	bus          eventbus.Bus
	subtasks     []subtask

	mu   sync.RWMutex
	last TickReport
}

func NewOrchestrator(cfg OrchestratorConfig, regimens RegimenReminder, appointments AppointmentKeeper, log logx.Logger, bus eventbus.Bus) (*Orchestrator, error) {
	if regimens == nil {
		return nil, fmt.Errorf("%w: regimen reminder", ErrNilCollaborator)
	}
	if appointments == nil {
		return nil, fmt.Errorf("%w: appointment keeper", ErrNilCollaborator)
	}
	if cfg.RegimenLookaheadDays <= 0 || cfg.AppointmentLookaheadDays <= 0 {
		return nil, fmt.Errorf("%w: regimen=%d appointment=%d", ErrInvalidLookahead, cfg.RegimenLookaheadDays, cfg.AppointmentLookaheadDays)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}

	o := &Orchestrator{
		cfg:          cfg,
		regimens:     regimens,
		appointments: appointments,
		log:          log.With(logx.String("worker", OrchestratorWorkerName)),
		bus:          bus,
	}
	o.subtasks = []subtask{
		{name: SubtaskRegimenReminders, run: o.regimenReminders},
		{name: SubtaskCancelPastAppts, run: o.cancelPastAppointments},
		{name: SubtaskAppointmentReminders, run: o.appointmentReminders},
	}

	r, err := runner.New(runner.Config{
		Name:      OrchestratorWorkerName,
		Interval:  cfg.Interval,
		Immediate: cfg.Immediate,
	}, o.runTick, log, bus)
	if err != nil {
		return nil, err
	}
	o.Runner = r
	return o, nil
}

// LastReport returns the report of the most recent tick.
func (o *Orchestrator) LastReport() TickReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cp := o.last
	cp.Subtasks = append([]SubtaskReport(nil), o.last.Subtasks...)
	return cp
}

// runTick never fails the tick because of a sub-task; failures are recorded
// in the report and logged.
func (o *Orchestrator) runTick(ctx context.Context) error {
	report := TickReport{StartedAt: time.Now(), Subtasks: make([]SubtaskReport, len(o.subtasks))}
	for i, st := range o.subtasks {
		report.Subtasks[i] = SubtaskReport{Name: st.name, State: SubtaskNotStarted}
	}

	for i, st := range o.subtasks {
		if ctx.Err() != nil {
			report.Cancelled = true
			for j := i; j < len(report.Subtasks); j++ {
				report.Subtasks[j].State = SubtaskSkipped
			}
			o.log.Info("shutdown requested, skipping remaining sub-tasks", logx.String("next", st.name), logx.Int("skipped", len(o.subtasks)-i))
			break
		}
		o.runSubtask(ctx, st, &report.Subtasks[i])
	}
	report.FinishedAt = time.Now()

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) runSubtask(ctx context.Context, st subtask, rep *SubtaskReport) {
	log := o.log.With(logx.String("subtask", st.name))
	rep.State = SubtaskRunning
	rep.StartedAt = time.Now()

	items, failed, err := safeRun(ctx, st.run, log)
	rep.Duration = time.Since(rep.StartedAt)
	rep.Items = items
	rep.Failed = failed
	if err != nil {
		rep.State = SubtaskFailed
		rep.Err = err.Error()
		log.Error("sub-task failed", logx.Duration("took", rep.Duration), logx.Err(err))
	} else {
		rep.State = SubtaskSucceeded
	}

	o.bus.Publish(eventbus.Event{Type: eventbus.TypeSubtaskFinished, Data: eventbus.SubtaskData{
		Worker:  OrchestratorWorkerName,
		Subtask: st.name,
		State:   rep.State.String(),
		Items:   items,
		Err:     rep.Err,
	}})
}

func safeRun(ctx context.Context, fn subtaskFunc, log logx.Logger) (items, failed int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			log.Error("sub-task panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) regimenReminders(ctx context.Context) (int, int, error) {
	results, err := o.regimens.SendRegimenEndDateReminders(ctx, o.cfg.RegimenLookaheadDays)
	queued, failed := domain.CountQueued(results)
	if err != nil {
		return queued, failed, fmt.Errorf("send regimen end-date reminders: %w", err)
	}
	o.logResults(SubtaskRegimenReminders, "regimen end-date reminders sent", results, o.cfg.RegimenLookaheadDays)
	return queued, failed, nil
}

func (o *Orchestrator) cancelPastAppointments(ctx context.Context) (int, int, error) {
	n, err := o.appointments.CancelPastDateAppointments(ctx)
	if err != nil {
		return n, 0, fmt.Errorf("cancel past-date appointments: %w", err)
	}
	if n > 0 {
		o.log.Info("past-date appointments cancelled", logx.String("subtask", SubtaskCancelPastAppts), logx.Int("count", n))
	}
	return n, 0, nil
}

func (o *Orchestrator) appointmentReminders(ctx context.Context) (int, int, error) {
	results, err := o.appointments.SendNearDateAppointmentReminders(ctx, o.cfg.AppointmentLookaheadDays)
	queued, failed := domain.CountQueued(results)
	if err != nil {
		return queued, failed, fmt.Errorf("send near-date appointment reminders: %w", err)
	}
	o.logResults(SubtaskAppointmentReminders, "appointment reminders sent", results, o.cfg.AppointmentLookaheadDays)
	return queued, failed, nil
}

func (o *Orchestrator) logResults(name, msg string, results []domain.ReminderResult, lookahead int) {
	queued, failed := domain.CountQueued(results)
	log := o.log.With(logx.String("subtask", name))
	for _, r := range results {
		if r.Err != nil {
			log.Warn("reminder not queued",
				logx.String("kind", string(r.Kind)),
				logx.Int64("subject_id", r.SubjectID),
				logx.Int64("patient_id", r.PatientID),
				logx.Err(r.Err),
			)
		}
	}
	log.Info(msg, logx.Int("count", queued), logx.Int("failed", failed), logx.Int("lookahead_days", lookahead))
}
