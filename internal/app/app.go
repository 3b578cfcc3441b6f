package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arvcare/internal/clinic"
	"arvcare/internal/config"
	"arvcare/internal/eventbus"
	"arvcare/internal/notifier"
	"arvcare/internal/observability/metrics"
	"arvcare/internal/observability/opsserver"
	"arvcare/internal/reminder"
	"arvcare/internal/runtime/sdnotify"
	rtsup "arvcare/internal/runtime/supervisor"
	"arvcare/internal/storage"
	"arvcare/internal/task/runner"
	"arvcare/internal/transport/telegram"
	"arvcare/pkg/logx"
)

var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one periodic reminder worker.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispose() error
	RunNow(ctx context.Context) (bool, error)
	Snapshot() runner.Snapshot
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg           *telegram.Channel
	notif        *notifier.Service
	channelClose func() error

	workers []Worker

	loc     *time.Location
	metrics *metrics.Collector
	ops     *opsserver.Server
	sd      *sdnotify.Notifier
}

// NewApp loads the config and builds every component. Nothing runs until
// Start; the database is opened and migrated here.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "app"))

	var tg *telegram.Channel
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ch, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, bootLog)
		if err != nil {
			return nil, err
		}
		tg = ch
	}

	// Bootstrap with the chat sink off, set the target, then apply the
	// final config so Apply does not warn about a missing chat.
	var sender logx.Sender
	if tg != nil {
		sender = tg
	}
	logSvc, log := logx.New(logConfig(cfg, false), sender)
	logSvc.SetChatTarget(cfg.Telegram.OpsChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logConfig(cfg, tg != nil))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		tg:      tg,
		metrics: metrics.New(),
		sd:      sdnotify.New(cfg.Systemd.Notify, log),
	}
	if err := a.wire(ctx, cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config) error {
	log := a.log

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage ready", logx.String("driver", st.Driver()))

	ncfg, nset, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	ch, closer, err := buildChannel(cfg, nset, a.tg, log.With(logx.String("comp", "notifier")))
	if err != nil {
		return err
	}
	a.channelClose = closer
	a.notif = notifier.New(ncfg, ch, log.With(logx.String("comp", "notifier")), a.bus, st)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	a.loc = loc
	opts := clinic.Options{Location: loc, Log: log.With(logx.String("comp", "clinic"))}

	aw, err := cfg.AlarmWorker()
	if err != nil {
		return err
	}
	if aw.Enabled {
		svc, err := clinic.NewMedicationAlarmService(st, a.notif, aw.Grace, opts)
		if err != nil {
			return err
		}
		d, err := reminder.NewAlarmDispatcher(reminder.DispatcherConfig{
			Interval:  aw.Interval,
			Immediate: aw.Immediate,
		}, svc, log, a.bus)
		if err != nil {
			return err
		}
		a.workers = append(a.workers, d)
	}

	rw, err := cfg.ReminderWorker()
	if err != nil {
		return err
	}
	if rw.Enabled {
		regimens, err := clinic.NewRegimenService(st, a.notif, opts)
		if err != nil {
			return err
		}
		appts, err := clinic.NewAppointmentService(st, a.notif, rw.StaleGrace, opts)
		if err != nil {
			return err
		}
		o, err := reminder.NewOrchestrator(reminder.OrchestratorConfig{
			Interval:                 rw.Interval,
			Immediate:                rw.Immediate,
			RegimenLookaheadDays:     rw.RegimenLookaheadDays,
			AppointmentLookaheadDays: rw.AppointmentLookaheadDays,
		}, regimens, appts, log, a.bus)
		if err != nil {
			return err
		}
		a.workers = append(a.workers, o)
	}

	return nil
}

func (a *App) newOps(cfg *config.Config) *opsserver.Server {
	ws := make([]opsserver.Worker, 0, len(a.workers))
	for _, w := range a.workers {
		ws = append(ws, w)
	}
	return opsserver.New(opsserver.Config{
		Addr:          cfg.OpsAddr(),
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}, opsserver.Deps{
		Workers:    ws,
		Notifier:   a.notif,
		Store:      a.store,
		Supervisor: a.sup,
		Metrics:    a.metrics.Handler(),
	}, a.log.With(logx.String("comp", "ops")))
}

// closeEarly releases what wire opened when construction fails.
func (a *App) closeEarly() {
	if a.channelClose != nil {
		_ = a.channelClose()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Workers() []Worker { return a.workers }

func (a *App) worker(name string) (Worker, error) {
	for _, w := range a.workers {
		if w.Name() == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w %q (enabled: %s)", ErrUnknownWorker, name, strings.Join(a.workerNames(), ", "))
}

func (a *App) workerNames() []string {
	out := make([]string, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, w.Name())
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	sctx := a.sup.Context()
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.debug", a.debugEvents)

	a.notif.Start(sctx)
	for _, w := range a.workers {
		if err := w.Start(sctx); err != nil {
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Ops.Enabled {
		a.ops = a.newOps(cfg)
		if err := a.ops.Start(sctx); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.RunWatchdog(c, func() bool { return a.sup.Err() == nil }); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("running: %s", strings.Join(a.workerNames(), ", ")))
	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Any("workers", a.workerNames()),
		logx.String("notifier_channel", a.notif.Snapshot().Channel),
	)
	return nil
}

func (a *App) debugEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if a.log.Enabled(logx.LevelDebug) {
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	}
}

// RunOnce runs a single tick of the named worker with the notifier up and
// drains pending deliveries before returning. The app must not be started.
func (a *App) RunOnce(ctx context.Context, name string) error {
	w, err := a.worker(name)
	if err != nil {
		return err
	}
	a.notif.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.notif.Stop(sctx)
	}()

	ran, err := w.RunNow(ctx)
	if !ran && err == nil {
		return fmt.Errorf("%s: a run is already in progress", name)
	}
	return err
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	var errs []error
	if a.channelClose != nil {
		errs = append(errs, a.channelClose())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			return a.ops.Stop(c)
		}
		return nil
	})
	// Workers go first so no tick enqueues into a stopped notifier.
	for _, w := range a.workers {
		w := w
		step(w.Name(), 5*time.Second, func(c context.Context) error {
			return errors.Join(w.Stop(c), w.Dispose())
		})
	}
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	// Cancel the app run context only now so workers and the notifier get to
	// finish in-flight work above.
	a.sup.Cancel()

	step("channel", time.Second, func(context.Context) error {
		if a.channelClose != nil {
			return a.channelClose()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
