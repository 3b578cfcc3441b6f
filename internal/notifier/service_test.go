package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arvcare/internal/eventbus"
	"arvcare/internal/storage"
	"arvcare/pkg/logx"
)

type fakeChannel struct {
	mu       sync.Mutex
	name     string
	failN    int // fail the first failN calls
	failWith error
	block    chan struct{}
	got      []Notification
	calls    int
}

func (f *fakeChannel) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeChannel) Deliver(ctx context.Context, n Notification) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("boom")
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakeChannel) delivered() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.got...)
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu    sync.Mutex
	dedup map[string]time.Time
	recs  []storage.DeliveryRecord
}

func newMemStore() *memStore { return &memStore{dedup: map[string]time.Time{}} }

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func (m *memStore) AppendDelivery(_ context.Context, rec storage.DeliveryRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memStore) records() []storage.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.DeliveryRecord(nil), m.recs...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeChannel{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}

	s = New(testConfig(), &fakeChannel{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped before Start", err)
	}

	s = New(testConfig(), nil, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err=%v, want ErrNoChannel", err)
	}
}

func TestDeliversAndRecords(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	st := newMemStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), ch, logx.Nop(), bus, st)
	s.Start(context.Background())

	n := Notification{Key: "appointment:1", Kind: "appointment", Recipient: Recipient{PatientID: 7}, Text: "see you tomorrow"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	s.Stop(context.Background())

	got := ch.delivered()
	if len(got) != 1 {
		t.Fatalf("delivered=%d, want 1", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("id/created not stamped: %+v", got[0])
	}
	recs := st.records()
	if len(recs) != 1 || !recs[0].OK || recs[0].Key != "appointment:1" || recs[0].PatientID != 7 || recs[0].Attempts != 1 {
		t.Fatalf("records=%+v", recs)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeNotificationSent {
			t.Fatalf("event=%s", e.Type)
		}
	default:
		t.Fatal("no sent event")
	}
	if snap := s.Snapshot(); snap.Sent != 1 || snap.Queued != 1 || snap.Running {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{failN: 2}
	st := newMemStore()
	s := New(testConfig(), ch, logx.Nop(), nil, st)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Key: "k", Text: "t"}); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	if c := ch.callCount(); c != 3 {
		t.Fatalf("calls=%d, want 3", c)
	}
	if recs := st.records(); len(recs) != 1 || !recs[0].OK || recs[0].Attempts != 3 {
		t.Fatalf("records=%+v", recs)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{failN: 10, failWith: Permanent(errors.New("no chat id"))}
	st := newMemStore()
	s := New(testConfig(), ch, logx.Nop(), nil, st)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), Notification{Key: "k", Text: "t"})
	s.Stop(context.Background())

	if c := ch.callCount(); c != 1 {
		t.Fatalf("calls=%d, want 1", c)
	}
	recs := st.records()
	if len(recs) != 1 || recs[0].OK || recs[0].Error == "" {
		t.Fatalf("records=%+v", recs)
	}
	if s.Snapshot().Failed != 1 {
		t.Fatalf("failed=%d", s.Snapshot().Failed)
	}
}

func TestDedupSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	s := New(testConfig(), ch, logx.Nop(), nil, nil)
	s.Start(context.Background())
	n := Notification{Key: "regimen_end:3", Text: "refill"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}
	s.Stop(context.Background())

	if got := len(ch.delivered()); got != 1 {
		t.Fatalf("delivered=%d, want 1", got)
	}
	if d := s.Snapshot().Deduped; d != 2 {
		t.Fatalf("deduped=%d, want 2", d)
	}
}

func TestFailedDeliveryReleasesDedup(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryMax = 0
	ch := &fakeChannel{failN: 1}
	s := New(cfg, ch, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := Notification{Key: "k", Text: "t"}
	_ = s.Notify(context.Background(), n)
	waitFor(t, "first failure", func() bool { return s.Snapshot().Failed == 1 })

	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second delivery", func() bool { return len(ch.delivered()) == 1 })
}

func TestPersistentDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PersistDedup = true
	st := newMemStore()

	ch1 := &fakeChannel{}
	s1 := New(cfg, ch1, logx.Nop(), nil, st)
	s1.Start(context.Background())
	_ = s1.Notify(context.Background(), Notification{Key: "alarm:9:2026-05-01", Text: "take TLD"})
	s1.Stop(context.Background())

	ch2 := &fakeChannel{}
	s2 := New(cfg, ch2, logx.Nop(), nil, st)
	s2.Start(context.Background())
	_ = s2.Notify(context.Background(), Notification{Key: "alarm:9:2026-05-01", Text: "take TLD"})
	s2.Stop(context.Background())

	if len(ch1.delivered()) != 1 || len(ch2.delivered()) != 0 {
		t.Fatalf("delivered first=%d second=%d", len(ch1.delivered()), len(ch2.delivered()))
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	block := make(chan struct{})
	ch := &fakeChannel{block: block}
	s := New(cfg, ch, logx.Nop(), nil, nil)
	s.Start(context.Background())

	// One in the worker, one in the queue, the third overflows.
	_ = s.Notify(context.Background(), Notification{Key: "a", Text: "a"})
	waitFor(t, "worker pickup", func() bool { return s.Snapshot().QueueLen == 0 })
	_ = s.Notify(context.Background(), Notification{Key: "b", Text: "b"})
	if err := s.Notify(context.Background(), Notification{Key: "c", Text: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want ErrQueueFull", err)
	}
	close(block)
	s.Stop(context.Background())
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("dropped=%d", s.Snapshot().Dropped)
	}
}

func TestStopDeadlineCancelsDelivery(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{block: make(chan struct{})}
	s := New(testConfig(), ch, logx.Nop(), nil, nil)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), Notification{Key: "a", Text: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	if el := time.Since(start); el > time.Second {
		t.Fatalf("Stop took %v", el)
	}
	if err := s.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay=%v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay=%v, want 70..130ms", d)
	}
}

func TestDedupKeyFallsBackToHash(t *testing.T) {
	t.Parallel()

	a := Notification{Kind: "appointment", Recipient: Recipient{PatientID: 1}, Text: "x"}
	b := a
	b.Text = "y"
	if dedupKey(a) == "" || dedupKey(a) == dedupKey(b) {
		t.Fatalf("keys a=%q b=%q", dedupKey(a), dedupKey(b))
	}
	a.Key = "explicit"
	if dedupKey(a) != "explicit" {
		t.Fatalf("explicit key ignored")
	}
}
