package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"arvcare/internal/eventbus"
	"arvcare/internal/runtime/supervisor"
	"arvcare/pkg/logx"
)

var (
	ErrNilFunc         = errors.New("runner: nil work func")
	ErrInvalidInterval = errors.New("runner: interval must be positive")
	ErrAlreadyRunning  = errors.New("runner: already running")
	ErrRunning         = errors.New("runner: still running, call Stop first")
	ErrDisposed        = errors.New("runner: disposed")
	ErrPanicked        = errors.New("runner: work panicked")
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Func is one unit of work. ctx is cancelled when the process shuts down.
type Func func(ctx context.Context) error

type Config struct {
	Name      string
	Interval  time.Duration
	Immediate bool
}

// Runner invokes a Func on a fixed interval until stopped. At most one
// invocation is in flight at a time; a tick that finds the guard held is
// skipped, not queued.
type Runner struct {
	name      string
	interval  time.Duration
	immediate bool
	sched     cron.Schedule

	fn  Func
	log logx.Logger
	bus eventbus.Bus

	guard Guard

	mu       sync.Mutex
	running  bool
	disposed bool
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	nextAt   time.Time

	ticks    atomic.Uint64
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	statMu    sync.Mutex
	lastStart time.Time
	lastDur   time.Duration
	lastErr   string
}

// Snapshot is a point-in-time view for the ops endpoint.
type Snapshot struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Immediate   bool          `json:"immediate"`
	Running     bool          `json:"running"`
	InFlight    bool          `json:"in_flight"`
	Ticks       uint64        `json:"ticks"`
	Runs        uint64        `json:"runs"`
	Skips       uint64        `json:"skips"`
	Failures    uint64        `json:"failures"`
	LastStartAt time.Time     `json:"last_start_at,omitempty"`
	LastRunTime time.Duration `json:"last_run_time"`
	LastError   string        `json:"last_error,omitempty"`
	NextTickAt  time.Time     `json:"next_tick_at,omitempty"`
}

func New(cfg Config, fn Func, log logx.Logger, bus eventbus.Bus) (*Runner, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, cfg.Interval)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "runner"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Runner{
		name:      name,
		interval:  cfg.Interval,
		immediate: cfg.Immediate,
		sched:     newSchedule(cfg.Interval),
		fn:        fn,
		log:       log.With(logx.String("worker", name)),
		bus:       bus,
	}, nil
}

func (r *Runner) Name() string            { return r.name }
func (r *Runner) Interval() time.Duration { return r.interval }
func (r *Runner) Immediate() bool         { return r.immediate }

// Start launches the tick loop and returns immediately. Work runs with a
// context derived from ctx; cancelling ctx ends the loop like Stop does.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if r.running {
		return ErrAlreadyRunning
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.nextAt = firstSlot(r.sched, time.Now(), r.immediate)

	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	stopCh := r.stopCh
	r.sup.GoRestart(r.name+".loop", func(ctx context.Context) error {
		return r.loop(ctx, stopCh)
	}, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))

	r.log.Info("worker started",
		logx.Duration("interval", r.interval),
		logx.Bool("immediate", r.immediate),
		logx.Time("first_tick_at", r.nextAt),
	)
	return nil
}

// Stop prevents new ticks and waits for the in-flight one until ctx expires.
// On expiry the work context is cancelled and ctx.Err() is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	sup := r.sup
	r.mu.Unlock()

	err := sup.Wait(ctx)
	sup.Cancel()
	if ctx.Err() != nil {
		r.log.Warn("worker stop deadline exceeded, in-flight tick cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
	r.log.Info("worker stopped")
	return err
}

// Dispose retires the runner: Start and RunNow fail afterwards. It must
// follow Stop.
func (r *Runner) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}
	r.disposed = true
	return nil
}

// RunNow runs one tick outside the schedule, honouring the guard. ran is
// false when another tick was in flight.
func (r *Runner) RunNow(ctx context.Context) (ran bool, err error) {
	r.mu.Lock()
	disposed := r.disposed
	r.mu.Unlock()
	if disposed {
		return false, ErrDisposed
	}
	return r.tick(ctx, TriggerManual)
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	running := r.running
	next := r.nextAt
	r.mu.Unlock()
	if !running {
		next = time.Time{}
	}

	r.statMu.Lock()
	defer r.statMu.Unlock()
	return Snapshot{
		Name:        r.name,
		Interval:    r.interval,
		Immediate:   r.immediate,
		Running:     running,
		InFlight:    r.guard.Held(),
		Ticks:       r.ticks.Load(),
		Runs:        r.runs.Load(),
		Skips:       r.skips.Load(),
		Failures:    r.failures.Load(),
		LastStartAt: r.lastStart,
		LastRunTime: r.lastDur,
		LastError:   r.lastErr,
		NextTickAt:  next,
	}
}

// loop owns its timer. A loop left behind by a Stop that timed out may
// still be inside a tick when Start launches the next one; it must not touch
// the new loop's state.
func (r *Runner) loop(ctx context.Context, stopCh <-chan struct{}) error {
	r.mu.Lock()
	slot := r.nextAt
	r.mu.Unlock()

	timer := time.NewTimer(max(time.Until(slot), 0))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-timer.C:
		}
		select {
		case <-stopCh:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return nil
		}

		_, _ = r.tick(ctx, TriggerSchedule)

		next, missed := nextSlot(r.sched, slot, time.Now())
		select {
		case <-stopCh:
			return nil
		default:
		}
		if missed > 0 {
			r.skips.Add(uint64(missed))
			r.log.Info("ticks skipped, previous run overran its interval", logx.Int("missed", missed))
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped, Data: eventbus.TickData{Worker: r.name, Result: "skipped"}})
		}
		slot = next
		r.mu.Lock()
		select {
		case <-stopCh:
			r.mu.Unlock()
			return nil
		default:
		}
		r.nextAt = slot
		r.mu.Unlock()
		timer.Reset(max(time.Until(slot), 0))
	}
}

func (r *Runner) tick(ctx context.Context, trigger string) (bool, error) {
	seq := r.ticks.Add(1)
	if !r.guard.TryAcquire() {
		r.skips.Add(1)
		r.log.Info("tick skipped, previous run still in flight", logx.Uint64("tick", seq), logx.String("trigger", trigger))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped, Data: eventbus.TickData{Worker: r.name, Result: "skipped"}})
		return false, nil
	}
	defer r.guard.Release()

	started := time.Now()
	log := r.log.With(
		logx.Uint64("tick", seq),
		logx.String("run_id", uuid.NewString()),
		logx.String("trigger", trigger),
	)
	r.runs.Add(1)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeTickStarted, Time: started, Data: eventbus.TickData{Worker: r.name}})
	log.Debug("tick started")

	err, panicked := r.call(ctx, log)
	dur := time.Since(started)

	result := "ok"
	switch {
	case panicked:
		result = "panic"
	case err != nil:
		result = "error"
	}

	r.statMu.Lock()
	r.lastStart = started
	r.lastDur = dur
	r.lastErr = ""
	if err != nil {
		r.lastErr = err.Error()
	}
	r.statMu.Unlock()

	data := eventbus.TickData{Worker: r.name, Result: result, Duration: dur}
	if err != nil {
		r.failures.Add(1)
		data.Err = err.Error()
		log.Error("tick failed", logx.Time("started_at", started), logx.Duration("took", dur), logx.Err(err))
	} else {
		log.Info("tick completed", logx.Duration("took", dur))
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFinished, Data: data})
	return true, err
}

func (r *Runner) call(ctx context.Context, log logx.Logger) (err error, panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			panicked = true
			err = fmt.Errorf("%w: %v", ErrPanicked, p)
			log.Error("tick panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return r.fn(ctx), false
}
