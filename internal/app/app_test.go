package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/eventbus"
	"arvcare/internal/reminder"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "arvcare.yaml")
	body = "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "arvcare.db") + "\n" + body
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const quietConfig = `
logging:
  level: error
clinic:
  timezone: UTC
workers:
  medication_alarms:
    interval: 1h
    run_immediately: false
  clinical_reminders:
    interval: 1h
    run_immediately: false
notifier:
  channel: log
  rate_per_sec: 100
`

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := NewApp(context.Background(), writeConfig(t, body))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func TestRunOnceClinicalReminders(t *testing.T) {
	a := newTestApp(t, quietConfig)
	defer a.Close()
	ctx := context.Background()

	sum, err := a.SeedDemo(ctx, 0)
	if err != nil {
		t.Fatalf("SeedDemo: %v", err)
	}
	if len(sum.AppointmentIDs) != 2 {
		t.Fatalf("summary=%+v", sum)
	}

	if err := a.RunOnce(ctx, reminder.OrchestratorWorkerName); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	now := time.Now()
	regs, err := a.Store().ListRegimensEndingBetween(ctx, now, now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 0 {
		t.Fatalf("regimen not marked reminded: %+v", regs)
	}
	upcoming, err := a.Store().ListAppointmentsBetween(ctx, now, now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatal(err)
	}
	if len(upcoming) != 0 {
		t.Fatalf("appointment not marked reminded: %+v", upcoming)
	}
	missed, err := a.Store().GetAppointment(ctx, sum.AppointmentIDs[1])
	if err != nil {
		t.Fatal(err)
	}
	if missed.Status != domain.AppointmentCancelled {
		t.Fatalf("missed appointment status=%s", missed.Status)
	}
}

func TestRunOnceUnknownWorker(t *testing.T) {
	a := newTestApp(t, quietConfig)
	defer a.Close()

	err := a.RunOnce(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("err=%v", err)
	}
}

func TestDisabledWorkersAreNotBuilt(t *testing.T) {
	a := newTestApp(t, `
logging:
  level: error
workers:
  medication_alarms:
    enabled: false
`)
	defer a.Close()

	names := a.workerNames()
	if len(names) != 1 || names[0] != reminder.OrchestratorWorkerName {
		t.Fatalf("workers=%v", names)
	}
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t, quietConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, w := range a.Workers() {
		if !w.Snapshot().Running {
			t.Fatalf("%s not running", w.Name())
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if _, err := a.Workers()[0].RunNow(context.Background()); err == nil {
		t.Fatal("RunNow after Stop should fail on a disposed worker")
	}
}

func TestApplyConfigPublishesReload(t *testing.T) {
	a := newTestApp(t, quietConfig)
	defer a.Close()

	ch, unsub := a.bus.Subscribe(4)
	defer unsub()

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Notifier.RatePerSec = 7
	a.applyConfig(oldCfg, &next)

	select {
	case e := <-ch:
		if e.Type != eventbus.TypeConfigReloaded {
			t.Fatalf("event=%s", e.Type)
		}
		sections, _ := e.Data.([]string)
		if len(sections) != 1 || sections[0] != "notifier" {
			t.Fatalf("sections=%v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}

	// identical config: nothing published
	a.applyConfig(&next, &next)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(context.Background(), writeConfig(t, `
notifier:
  channel: pigeon
`))
	if err == nil {
		t.Fatal("expected error")
	}
}
