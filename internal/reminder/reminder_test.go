package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/eventbus"
	"arvcare/pkg/logx"
)

type fakeAlarms struct {
	calls atomic.Int32
	err   error
}

func (f *fakeAlarms) ProcessMedicationAlarms(context.Context) error {
	f.calls.Add(1)
	return f.err
}

// fakeClinic records the order in which collaborator methods were called.
type fakeClinic struct {
	mu    sync.Mutex
	order []string

	regimenErr    error
	regimenPanic  bool
	cancelErr     error
	apptErr       error
	onRegimen     func()
	onCancel      func()
	lookaheadSeen []int
}

func (f *fakeClinic) record(name string) {
	f.mu.Lock()
	f.order = append(f.order, name)
	f.mu.Unlock()
}

func (f *fakeClinic) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeClinic) SendRegimenEndDateReminders(_ context.Context, days int) ([]domain.ReminderResult, error) {
	f.record("regimen")
	f.mu.Lock()
	f.lookaheadSeen = append(f.lookaheadSeen, days)
	f.mu.Unlock()
	if f.onRegimen != nil {
		f.onRegimen()
	}
	if f.regimenPanic {
		panic("regimen service exploded")
	}
	if f.regimenErr != nil {
		return nil, f.regimenErr
	}
	return []domain.ReminderResult{
		{Kind: domain.KindRegimenEnd, SubjectID: 1, PatientID: 1, Queued: true},
		{Kind: domain.KindRegimenEnd, SubjectID: 2, PatientID: 2, Err: errors.New("no contact")},
	}, nil
}

func (f *fakeClinic) CancelPastDateAppointments(context.Context) (int, error) {
	f.record("cancel")
	if f.onCancel != nil {
		f.onCancel()
	}
	return 3, f.cancelErr
}

func (f *fakeClinic) SendNearDateAppointmentReminders(_ context.Context, days int) ([]domain.ReminderResult, error) {
	f.record("appointments")
	f.mu.Lock()
	f.lookaheadSeen = append(f.lookaheadSeen, days)
	f.mu.Unlock()
	if f.apptErr != nil {
		return nil, f.apptErr
	}
	return []domain.ReminderResult{{Kind: domain.KindAppointment, SubjectID: 9, PatientID: 1, Queued: true}}, nil
}

func newOrchestrator(t *testing.T, c *fakeClinic, bus eventbus.Bus) *Orchestrator {
	t.Helper()
	cfg := DefaultOrchestratorConfig()
	cfg.Interval = time.Hour
	o, err := NewOrchestrator(cfg, c, c, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func states(r TickReport) []SubtaskState {
	out := make([]SubtaskState, len(r.Subtasks))
	for i, s := range r.Subtasks {
		out[i] = s.State
	}
	return out
}

func equalStates(a, b []SubtaskState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()

	if _, err := NewAlarmDispatcher(DefaultDispatcherConfig(), nil, logx.Nop(), nil); !errors.Is(err, ErrNilCollaborator) {
		t.Fatalf("dispatcher nil collaborator err=%v", err)
	}
	c := &fakeClinic{}
	if _, err := NewOrchestrator(DefaultOrchestratorConfig(), nil, c, logx.Nop(), nil); !errors.Is(err, ErrNilCollaborator) {
		t.Fatalf("orchestrator nil regimen err=%v", err)
	}
	if _, err := NewOrchestrator(DefaultOrchestratorConfig(), c, nil, logx.Nop(), nil); !errors.Is(err, ErrNilCollaborator) {
		t.Fatalf("orchestrator nil appointments err=%v", err)
	}
	cfg := DefaultOrchestratorConfig()
	cfg.AppointmentLookaheadDays = 0
	if _, err := NewOrchestrator(cfg, c, c, logx.Nop(), nil); !errors.Is(err, ErrInvalidLookahead) {
		t.Fatalf("orchestrator lookahead err=%v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	d, err := NewAlarmDispatcher(DefaultDispatcherConfig(), &fakeAlarms{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewAlarmDispatcher: %v", err)
	}
	if d.Interval() != 5*time.Minute || !d.Immediate() {
		t.Fatalf("dispatcher schedule=%s immediate=%v", d.Interval(), d.Immediate())
	}

	o, err := NewOrchestrator(DefaultOrchestratorConfig(), &fakeClinic{}, &fakeClinic{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if o.Interval() != time.Minute || !o.Immediate() {
		t.Fatalf("orchestrator schedule=%s immediate=%v", o.Interval(), o.Immediate())
	}
}

func TestDispatcherWrapsCollaboratorError(t *testing.T) {
	t.Parallel()

	alarms := &fakeAlarms{err: errors.New("db down")}
	d, err := NewAlarmDispatcher(DispatcherConfig{Interval: time.Hour}, alarms, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewAlarmDispatcher: %v", err)
	}
	ran, err := d.RunNow(context.Background())
	if !ran || !errors.Is(err, alarms.err) {
		t.Fatalf("RunNow=(%v,%v)", ran, err)
	}

	alarms.err = nil
	if _, err := d.RunNow(context.Background()); err != nil {
		t.Fatalf("second tick err=%v", err)
	}
	if got := alarms.calls.Load(); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestDispatcherTicksOnSchedule(t *testing.T) {
	t.Parallel()

	alarms := &fakeAlarms{err: errors.New("flaky")}
	d, err := NewAlarmDispatcher(DispatcherConfig{Interval: 20 * time.Millisecond, Immediate: true}, alarms, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewAlarmDispatcher: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for alarms.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if got := alarms.calls.Load(); got < 3 {
		t.Fatalf("calls=%d, want >= 3 despite failures", got)
	}
}

func TestOrchestratorRunsSubtasksInOrder(t *testing.T) {
	t.Parallel()

	c := &fakeClinic{}
	o := newOrchestrator(t, c, nil)
	if ran, err := o.RunNow(context.Background()); !ran || err != nil {
		t.Fatalf("RunNow=(%v,%v)", ran, err)
	}

	got := c.calls()
	want := []string{"regimen", "cancel", "appointments"}
	if len(got) != len(want) {
		t.Fatalf("calls=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls=%v, want %v", got, want)
		}
	}
	if c.lookaheadSeen[0] != 7 || c.lookaheadSeen[1] != 7 {
		t.Fatalf("lookaheads=%v, want [7 7]", c.lookaheadSeen)
	}

	rep := o.LastReport()
	if !rep.Completed() || rep.Cancelled {
		t.Fatalf("report=%+v", rep)
	}
	if rep.Subtasks[0].Items != 1 || rep.Subtasks[0].Failed != 1 {
		t.Fatalf("regimen report=%+v", rep.Subtasks[0])
	}
	if rep.Subtasks[1].Items != 3 {
		t.Fatalf("cancel report=%+v", rep.Subtasks[1])
	}
}

func TestOrchestratorIsolatesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		clin  *fakeClinic
		want  []SubtaskState
		calls int
	}{
		{
			name:  "regimen error",
			clin:  &fakeClinic{regimenErr: errors.New("regimen query failed")},
			want:  []SubtaskState{SubtaskFailed, SubtaskSucceeded, SubtaskSucceeded},
			calls: 3,
		},
		{
			name:  "regimen panic",
			clin:  &fakeClinic{regimenPanic: true},
			want:  []SubtaskState{SubtaskFailed, SubtaskSucceeded, SubtaskSucceeded},
			calls: 3,
		},
		{
			name:  "cancel error",
			clin:  &fakeClinic{cancelErr: errors.New("update failed")},
			want:  []SubtaskState{SubtaskSucceeded, SubtaskFailed, SubtaskSucceeded},
			calls: 3,
		},
		{
			name:  "everything fails",
			clin:  &fakeClinic{regimenErr: errors.New("a"), cancelErr: errors.New("b"), apptErr: errors.New("c")},
			want:  []SubtaskState{SubtaskFailed, SubtaskFailed, SubtaskFailed},
			calls: 3,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := newOrchestrator(t, tt.clin, nil)
			ran, err := o.RunNow(context.Background())
			if !ran || err != nil {
				t.Fatalf("tick should complete without error, got (%v,%v)", ran, err)
			}
			if got := len(tt.clin.calls()); got != tt.calls {
				t.Fatalf("collaborator calls=%d, want %d", got, tt.calls)
			}
			rep := o.LastReport()
			if !equalStates(states(rep), tt.want) {
				t.Fatalf("states=%v, want %v", states(rep), tt.want)
			}
			if !rep.Completed() {
				t.Fatal("tick should be completed")
			}
			if o.Snapshot().Failures != 0 {
				t.Fatal("sub-task failures must not fail the tick")
			}
		})
	}
}

func TestOrchestratorSkipsRemainingOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tests := []struct {
		name  string
		clin  *fakeClinic
		want  []SubtaskState
		calls []string
	}{
		{
			name:  "cancelled during regimen reminders",
			clin:  &fakeClinic{onRegimen: cancel},
			want:  []SubtaskState{SubtaskSucceeded, SubtaskSkipped, SubtaskSkipped},
			calls: []string{"regimen"},
		},
	}
	for _, tt := range tests {
		o := newOrchestrator(t, tt.clin, nil)
		if _, err := o.RunNow(ctx); err != nil {
			t.Fatalf("%s: RunNow: %v", tt.name, err)
		}
		rep := o.LastReport()
		if !equalStates(states(rep), tt.want) || !rep.Cancelled || !rep.Completed() {
			t.Fatalf("%s: report=%+v", tt.name, rep)
		}
		if got := tt.clin.calls(); len(got) != len(tt.calls) {
			t.Fatalf("%s: calls=%v, want %v", tt.name, got, tt.calls)
		}
	}
}

func TestOrchestratorSkipsFinalSubtaskWhenCancelledMidway(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &fakeClinic{onCancel: cancel}
	o := newOrchestrator(t, c, nil)
	if _, err := o.RunNow(ctx); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	want := []SubtaskState{SubtaskSucceeded, SubtaskSucceeded, SubtaskSkipped}
	if got := states(o.LastReport()); !equalStates(got, want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
}

func TestOrchestratorPublishesSubtaskEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	o := newOrchestrator(t, &fakeClinic{cancelErr: errors.New("x")}, bus)
	if _, err := o.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	got := map[string]string{}
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeSubtaskFinished {
				continue
			}
			d := e.Data.(eventbus.SubtaskData)
			got[d.Subtask] = d.State
		case <-timeout:
			t.Fatalf("subtask events=%v", got)
		}
	}
	if got[SubtaskCancelPastAppts] != "failed" || got[SubtaskRegimenReminders] != "succeeded" {
		t.Fatalf("subtask events=%v", got)
	}
}

func TestSubtaskStateString(t *testing.T) {
	t.Parallel()

	for st, want := range map[SubtaskState]string{
		SubtaskNotStarted: "not_started",
		SubtaskRunning:    "running",
		SubtaskSucceeded:  "succeeded",
		SubtaskFailed:     "failed",
		SubtaskSkipped:    "skipped",
	} {
		if st.String() != want {
			t.Fatalf("%d: %q, want %q", int(st), st.String(), want)
		}
	}
	if SubtaskRunning.Terminal() || SubtaskNotStarted.Terminal() {
		t.Fatal("running/not started are not terminal")
	}
}
