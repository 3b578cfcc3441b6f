package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"arvcare/internal/eventbus"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()

	c := New()
	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: eventbus.TickData{Worker: "medication-alarms", Result: "ok", Duration: 20 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: eventbus.TickData{Worker: "medication-alarms", Result: "error"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTickSkipped, Data: eventbus.TickData{Worker: "clinical-reminders", Result: "skipped"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeSubtaskFinished, Data: eventbus.SubtaskData{Subtask: "appointment_reminders", State: "succeeded", Items: 3}})
	c.Observe(eventbus.Event{Type: eventbus.TypeNotificationSent, Data: eventbus.NotificationData{Kind: "appointment"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeNotificationDrop, Data: eventbus.NotificationData{Kind: "appointment"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeConfigReloaded})
	c.Observe(eventbus.Event{Type: "unknown"})
	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: "not tick data"})

	if v := testutil.ToFloat64(c.Ticks.WithLabelValues("medication-alarms", "ok")); v != 1 {
		t.Fatalf("ok ticks=%v", v)
	}
	if v := testutil.ToFloat64(c.Ticks.WithLabelValues("clinical-reminders", "skipped")); v != 1 {
		t.Fatalf("skipped ticks=%v", v)
	}
	if n := testutil.CollectAndCount(c.TickDuration); n != 1 {
		t.Fatalf("duration series=%d", n)
	}
	if v := testutil.ToFloat64(c.SubtaskItems.WithLabelValues("appointment_reminders")); v != 3 {
		t.Fatalf("items=%v", v)
	}
	if v := testutil.ToFloat64(c.Notifications.WithLabelValues("dropped", "appointment")); v != 1 {
		t.Fatalf("dropped=%v", v)
	}
	if v := testutil.ToFloat64(c.ConfigReloads); v != 1 {
		t.Fatalf("reloads=%v", v)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.ConfigReloads) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not consumed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	c := New()
	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: eventbus.TickData{Worker: "w", Result: "ok"}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `arvcare_ticks_total{result="ok",worker="w"} 1`) {
		t.Fatalf("metrics body missing tick counter:\n%s", body)
	}
}
