package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder workers and the notifier.
const (
	TypeTickStarted      = "tick.started"
	TypeTickFinished     = "tick.finished"
	TypeTickSkipped      = "tick.skipped"
	TypeSubtaskFinished  = "subtask.finished"
	TypeNotificationSent = "notification.sent"
	TypeNotificationFail = "notification.failed"
	TypeNotificationDrop = "notification.dropped"
	TypeConfigReloaded   = "config.reloaded"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TickData accompanies tick.* events.
type TickData struct {
	Worker   string
	Result   string // ok | error | panic | skipped
	Duration time.Duration
	Err      string
}

// SubtaskData accompanies subtask.finished events.
type SubtaskData struct {
	Worker  string
	Subtask string
	State   string
	Items   int
	Err     string
}

// NotificationData accompanies notification.* events.
type NotificationData struct {
	Kind    string
	Channel string
	Key     string
	Err     string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver tolerates a channel closed by a concurrent unsubscribe.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
